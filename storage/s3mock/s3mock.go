// Package s3mock provides an in-memory implementation of the subset of the
// S3 API used by the storage drivers, for tests that must not touch the network.
package s3mock

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

type object struct {
	data         []byte
	storageClass string
	contentType  string
	cacheControl string
	metadata     map[string]*string
	modified     time.Time
}

// Client is a goroutine-safe in-memory S3. Buckets must be created before use.
// Presigning is delegated to a real SDK client pointed at a dummy endpoint,
// which signs locally without network access.
type Client struct {
	s3iface.S3API

	mu      sync.RWMutex
	buckets map[string]map[string]*object
	signer  *s3.S3

	// FailPut, when set, is returned by every PutObject call.
	FailPut error
	// PutCalls counts PutObject calls.
	PutCalls int
	// ListCalls counts ListObjectsV2 pages served.
	ListCalls int
}

func New(buckets ...string) *Client {
	sess := session.Must(session.NewSession(&aws.Config{
		Region:           aws.String("us-east-1"),
		Endpoint:         aws.String("http://s3.mock.local"),
		S3ForcePathStyle: aws.Bool(true),
		Credentials:      credentials.NewStaticCredentials("mock-access", "mock-secret", ""),
	}))
	c := &Client{
		buckets: make(map[string]map[string]*object),
		signer:  s3.New(sess),
	}
	for _, b := range buckets {
		c.buckets[b] = make(map[string]*object)
	}
	return c
}

// Keys returns the sorted keys stored in bucket.
func (c *Client) Keys(bucket string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []string
	for k := range c.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Corrupt overwrites the stored bytes of key.
func (c *Client) Corrupt(bucket, key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if obj, ok := c.buckets[bucket][key]; ok {
		obj.data = data
	}
}

// StorageClass returns the storage class key was written with.
func (c *Client) StorageClass(bucket, key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if obj, ok := c.buckets[bucket][key]; ok {
		return obj.storageClass
	}
	return ""
}

func noSuchBucket(bucket string) error {
	return awserr.NewRequestFailure(awserr.New(s3.ErrCodeNoSuchBucket, "bucket "+bucket+" does not exist", nil), http.StatusNotFound, "mock")
}

func noSuchKey(key string) error {
	return awserr.NewRequestFailure(awserr.New(s3.ErrCodeNoSuchKey, "key "+key+" does not exist", nil), http.StatusNotFound, "mock")
}

func (c *Client) lookup(bucket, key string) (*object, error) {
	objs, ok := c.buckets[bucket]
	if !ok {
		return nil, noSuchBucket(bucket)
	}
	obj, ok := objs[key]
	if !ok {
		return nil, noSuchKey(key)
	}
	return obj, nil
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (c *Client) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.PutCalls++
	if c.FailPut != nil {
		return nil, c.FailPut
	}
	objs, ok := c.buckets[aws.StringValue(in.Bucket)]
	if !ok {
		return nil, noSuchBucket(aws.StringValue(in.Bucket))
	}
	objs[aws.StringValue(in.Key)] = &object{
		data:         data,
		storageClass: aws.StringValue(in.StorageClass),
		contentType:  aws.StringValue(in.ContentType),
		cacheControl: aws.StringValue(in.CacheControl),
		metadata:     in.Metadata,
		modified:     time.Now(),
	}
	return &s3.PutObjectOutput{ETag: aws.String(etag(data))}, nil
}

func (c *Client) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	obj, err := c.lookup(aws.StringValue(in.Bucket), aws.StringValue(in.Key))
	if err != nil {
		return nil, err
	}

	data := obj.data
	out := &s3.GetObjectOutput{
		ETag:         aws.String(etag(obj.data)),
		LastModified: aws.Time(obj.modified),
		ContentType:  aws.String(obj.contentType),
		CacheControl: aws.String(obj.cacheControl),
		Metadata:     obj.metadata,
	}
	if in.Range != nil {
		var start, end int64
		if _, err := fmt.Sscanf(aws.StringValue(in.Range), "bytes=%d-%d", &start, &end); err != nil {
			return nil, awserr.NewRequestFailure(awserr.New("InvalidRange", err.Error(), nil), http.StatusRequestedRangeNotSatisfiable, "mock")
		}
		size := int64(len(data))
		if start >= size || start > end {
			return nil, awserr.NewRequestFailure(awserr.New("InvalidRange", "range not satisfiable", nil), http.StatusRequestedRangeNotSatisfiable, "mock")
		}
		if end >= size {
			end = size - 1
		}
		data = data[start : end+1]
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}
	out.ContentLength = aws.Int64(int64(len(data)))
	out.Body = io.NopCloser(bytes.NewReader(append([]byte(nil), data...)))
	return out, nil
}

func (c *Client) HeadObjectWithContext(ctx aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	obj, err := c.lookup(aws.StringValue(in.Bucket), aws.StringValue(in.Key))
	if err != nil {
		// HEAD responses carry no body, so the SDK reports a bare NotFound
		return nil, awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), http.StatusNotFound, "mock")
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(etag(obj.data)),
		LastModified:  aws.Time(obj.modified),
		ContentType:   aws.String(obj.contentType),
		CacheControl:  aws.String(obj.cacheControl),
		StorageClass:  aws.String(obj.storageClass),
		Metadata:      obj.metadata,
	}, nil
}

func (c *Client) DeleteObjectWithContext(ctx aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	objs, ok := c.buckets[aws.StringValue(in.Bucket)]
	if !ok {
		return nil, noSuchBucket(aws.StringValue(in.Bucket))
	}
	delete(objs, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (c *Client) CopyObjectWithContext(ctx aws.Context, in *s3.CopyObjectInput, _ ...request.Option) (*s3.CopyObjectOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	srcBucket, srcKey, ok := strings.Cut(strings.TrimPrefix(aws.StringValue(in.CopySource), "/"), "/")
	if !ok {
		return nil, awserr.New("InvalidArgument", "malformed copy source", nil)
	}
	src, err := c.lookup(srcBucket, srcKey)
	if err != nil {
		return nil, err
	}
	dst, ok := c.buckets[aws.StringValue(in.Bucket)]
	if !ok {
		return nil, noSuchBucket(aws.StringValue(in.Bucket))
	}
	cp := *src
	cp.data = append([]byte(nil), src.data...)
	cp.modified = time.Now()
	if in.StorageClass != nil {
		cp.storageClass = aws.StringValue(in.StorageClass)
	}
	dst[aws.StringValue(in.Key)] = &cp
	return &s3.CopyObjectOutput{}, nil
}

func (c *Client) HeadBucketWithContext(ctx aws.Context, in *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.buckets[aws.StringValue(in.Bucket)]; !ok {
		return nil, noSuchBucket(aws.StringValue(in.Bucket))
	}
	return &s3.HeadBucketOutput{}, nil
}

// ListObjectsV2WithContext returns one page of keys in lexical order,
// honouring Prefix, MaxKeys (default 1000) and ContinuationToken.
func (c *Client) ListObjectsV2WithContext(ctx aws.Context, in *s3.ListObjectsV2Input, _ ...request.Option) (*s3.ListObjectsV2Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	objs, ok := c.buckets[aws.StringValue(in.Bucket)]
	if !ok {
		c.mu.RUnlock()
		return nil, noSuchBucket(aws.StringValue(in.Bucket))
	}
	prefix := aws.StringValue(in.Prefix)
	after := aws.StringValue(in.ContinuationToken)
	var contents []*s3.Object
	for key, obj := range objs {
		if !strings.HasPrefix(key, prefix) || (after != "" && key <= after) {
			continue
		}
		contents = append(contents, &s3.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.data))),
			ETag:         aws.String(etag(obj.data)),
			LastModified: aws.Time(obj.modified),
			StorageClass: aws.String(obj.storageClass),
		})
	}
	c.mu.RUnlock()

	sort.Slice(contents, func(i, j int) bool { return *contents[i].Key < *contents[j].Key })

	pageSize := 1000
	if in.MaxKeys != nil && *in.MaxKeys > 0 {
		pageSize = int(*in.MaxKeys)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(contents) > pageSize {
		contents = contents[:pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = contents[pageSize-1].Key
	}
	out.Contents = contents
	out.KeyCount = aws.Int64(int64(len(contents)))
	c.mu.Lock()
	c.ListCalls++
	c.mu.Unlock()
	return out, nil
}

func (c *Client) GetObjectRequest(in *s3.GetObjectInput) (*request.Request, *s3.GetObjectOutput) {
	return c.signer.GetObjectRequest(in)
}
