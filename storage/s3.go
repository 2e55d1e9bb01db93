package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
)

const metadataHashKey = "Sha256"

var storageClasses = map[interfaces.Tier]string{
	interfaces.TierHot:  s3.StorageClassStandard,
	interfaces.TierWarm: s3.StorageClassStandardIa,
	interfaces.TierCold: s3.StorageClassGlacier,
}

// StorageClassFor returns the S3 storage class used for tier.
func StorageClassFor(tier interfaces.Tier) string {
	return storageClasses[tier]
}

// S3Driver stores objects in S3 or a compatible service, one bucket per tier,
// under the key {hash[:2]}/{hash}. Presigned URLs are produced by the SDK's
// SigV4 signer; listings are decoded by the SDK's XML unmarshaller.
type S3Driver struct {
	client  s3iface.S3API
	buckets config.BucketsConfig
	timeout time.Duration
	cdn     *CDNSigner
	log     *slog.Logger
	spool   string
}

// NewS3Driver builds a driver from configuration. Missing credentials or
// buckets are reported as ErrConfiguration.
func NewS3Driver(cfg config.StorageConfig, cdn *CDNSigner, log *slog.Logger) (*S3Driver, error) {
	if err := cfg.S3.Validate(); err != nil {
		return nil, err
	}

	awsCfg := aws.Config{
		Region:      aws.String(cfg.S3.Region),
		Credentials: credentials.NewStaticCredentials(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, ""),
	}
	if cfg.S3.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.S3.ForcePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewS3DriverWithClient(s3.New(sess), cfg.S3.Buckets, cfg.S3Timeout(), cdn, log), nil
}

// NewS3DriverWithClient wraps an existing S3 client.
func NewS3DriverWithClient(client s3iface.S3API, buckets config.BucketsConfig, timeout time.Duration, cdn *CDNSigner, log *slog.Logger) *S3Driver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &S3Driver{
		client:  client,
		buckets: buckets,
		timeout: timeout,
		cdn:     cdn,
		log:     log,
		spool:   os.TempDir(),
	}
}

// PutObject spools the body to a temporary file while hashing it and uploads
// only when the hash matches, so a corrupt stream never reaches the bucket.
func (d *S3Driver) PutObject(ctx context.Context, hash interfaces.ContentHash, r io.Reader, tier interfaces.Tier, opts *interfaces.PutOptions) error {
	bucket, err := d.bucket(hash, tier)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(d.spool, "s3-upload-*")
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hr := interfaces.NewHashingReader(contextReader(ctx, r))
	size, err := io.Copy(tmp, hr)
	if err != nil {
		return fmt.Errorf("failed to spool object: %w", err)
	}
	if actual := hr.Sum(); actual != hash {
		return &interfaces.HashMismatchError{Expected: hash, Actual: actual}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spool file: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(objectKey(hash)),
		Body:          tmp,
		ContentLength: aws.Int64(size),
		StorageClass:  aws.String(StorageClassFor(tier)),
		Metadata:      map[string]*string{metadataHashKey: aws.String(string(hash))},
	}
	if opts != nil {
		if opts.ContentType != "" {
			input.ContentType = aws.String(opts.ContentType)
		}
		if opts.CacheControl != "" {
			input.CacheControl = aws.String(opts.CacheControl)
		}
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := d.client.PutObjectWithContext(callCtx, input); err != nil {
		d.log.Error("Failed to upload object to S3",
			slog.String("content_hash", hash.Short()),
			slog.String("bucket", bucket),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("failed to upload object to S3: %w", err)
	}

	d.log.Debug("Stored object in S3",
		slog.String("bucket", bucket),
		slog.String("key", objectKey(hash)),
		slog.Int64("size", size),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// GetObject downloads the object from the tier bucket, sending a Range header
// when rng is set. Returns ErrContentNotFound for missing keys.
func (d *S3Driver) GetObject(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier, rng *interfaces.ByteRange) (*interfaces.ObjectReader, error) {
	bucket, err := d.bucket(hash, tier)
	if err != nil {
		return nil, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey(hash)),
	}

	var start, end int64
	if rng != nil {
		meta, err := d.HeadObject(ctx, hash, tier)
		if err != nil {
			return nil, err
		}
		start, end, err = rng.Resolve(meta.Size)
		if err != nil {
			return nil, err
		}
		input.Range = aws.String(rangeHeaderValue(start, end))
	}

	// the call context must outlive this function: it is cancelled when the body is closed
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	out, err := d.client.GetObjectWithContext(callCtx, input)
	if err != nil {
		cancel()
		if isNotFound(err) {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}

	meta := interfaces.ObjectMetadata{
		ContentHash:  hash,
		Tier:         tier,
		Size:         aws.Int64Value(out.ContentLength),
		LastModified: aws.TimeValue(out.LastModified),
		ETag:         strings.Trim(aws.StringValue(out.ETag), `"`),
		ContentType:  aws.StringValue(out.ContentType),
		CacheControl: aws.StringValue(out.CacheControl),
	}
	body := &readCloser{Reader: out.Body, close: func() error {
		defer cancel()
		return out.Body.Close()
	}}

	if rng == nil {
		return &interfaces.ObjectReader{ReadCloser: body, Metadata: meta, Start: 0, End: meta.Size - 1}, nil
	}

	if total, ok := totalFromContentRange(aws.StringValue(out.ContentRange)); ok {
		meta.Size = total
	} else {
		meta.Size = end + 1
	}
	return &interfaces.ObjectReader{ReadCloser: body, Metadata: meta, Start: start, End: end, Partial: true}, nil
}

// HeadObject retrieves the object's size, ETag and content type without downloading it.
func (d *S3Driver) HeadObject(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier) (*interfaces.ObjectMetadata, error) {
	bucket, err := d.bucket(hash, tier)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.client.HeadObjectWithContext(callCtx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey(hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to head object in S3: %w", err)
	}

	return &interfaces.ObjectMetadata{
		ContentHash:  hash,
		Tier:         tier,
		Size:         aws.Int64Value(out.ContentLength),
		LastModified: aws.TimeValue(out.LastModified),
		ETag:         strings.Trim(aws.StringValue(out.ETag), `"`),
		ContentType:  aws.StringValue(out.ContentType),
		CacheControl: aws.StringValue(out.CacheControl),
	}, nil
}

// DeleteObject reports ErrContentNotFound for absent objects even though the
// S3 API itself treats deletes as idempotent.
func (d *S3Driver) DeleteObject(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier) error {
	bucket, err := d.bucket(hash, tier)
	if err != nil {
		return err
	}
	if _, err := d.HeadObject(ctx, hash, tier); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := d.client.DeleteObjectWithContext(callCtx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey(hash)),
	}); err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}

	d.log.Debug("Deleted object from S3", slog.String("bucket", bucket), slog.String("key", objectKey(hash)))
	return nil
}

// ObjectExists checks if the key exists in the tier bucket.
func (d *S3Driver) ObjectExists(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier) (bool, error) {
	_, err := d.HeadObject(ctx, hash, tier)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return false, nil
	}
	return err == nil, err
}

// PresignedURL prefers the CDN and falls back to a SigV4 presigned GET.
func (d *S3Driver) PresignedURL(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier, ttl time.Duration) (*interfaces.PresignedURL, error) {
	bucket, err := d.bucket(hash, tier)
	if err != nil {
		return nil, err
	}
	if u := d.cdn.URL(bucket, hash, ttl); u != nil {
		return u, nil
	}

	req, _ := d.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey(hash)),
	})
	signed, err := req.Presign(ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to presign S3 URL: %w", err)
	}
	return &interfaces.PresignedURL{URL: signed, ExpiresAt: time.Now().Add(ttl)}, nil
}

// HealthCheck heads the tier bucket.
func (d *S3Driver) HealthCheck(ctx context.Context, tier interfaces.Tier) interfaces.HealthStatus {
	start := time.Now()
	bucket := d.buckets.ForTier(tier)
	if bucket == "" {
		return interfaces.HealthStatus{Error: fmt.Sprintf("no bucket configured for tier %q", tier)}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.client.HeadBucketWithContext(callCtx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	status := interfaces.HealthStatus{
		Healthy:   err == nil,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		status.Error = err.Error()
		d.log.Warn("S3 bucket unavailable",
			slog.String("bucket", bucket),
			"err", err,
			slog.Duration("duration", time.Since(start)))
	}
	return status
}

// ListObjects lists content in the tier bucket whose hash starts with prefix,
// returning at most maxKeys objects when maxKeys is positive.
func (d *S3Driver) ListObjects(ctx context.Context, tier interfaces.Tier, prefix string, maxKeys int) ([]interfaces.StorageObject, error) {
	bucket := d.buckets.ForTier(tier)
	if bucket == "" {
		return nil, fmt.Errorf("%w: no bucket configured for tier %q", interfaces.ErrConfiguration, tier)
	}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(listPrefix(strings.ToLower(prefix))),
	}
	if maxKeys > 0 && maxKeys < 1000 {
		input.MaxKeys = aws.Int64(int64(maxKeys))
	}

	// the call timeout applies per page
	var objects []interfaces.StorageObject
	for {
		page, err := d.listPage(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list bucket %s: %w", bucket, err)
		}
		for _, obj := range page.Contents {
			hash, err := interfaces.NewContentHash(path.Base(aws.StringValue(obj.Key)))
			if err != nil {
				continue
			}
			objects = append(objects, interfaces.StorageObject{
				ContentHash:  hash,
				Tier:         tier,
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
				ETag:         strings.Trim(aws.StringValue(obj.ETag), `"`),
			})
			if maxKeys > 0 && len(objects) >= maxKeys {
				return objects, nil
			}
		}
		if !aws.BoolValue(page.IsTruncated) || aws.StringValue(page.NextContinuationToken) == "" {
			break
		}
		input.ContinuationToken = page.NextContinuationToken
	}
	return objects, nil
}

func (d *S3Driver) listPage(ctx context.Context, input *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.client.ListObjectsV2WithContext(callCtx, input)
}

// MoveObject uses a server-side copy into the destination bucket with the
// destination tier's storage class, confirms it, then deletes the source.
func (d *S3Driver) MoveObject(ctx context.Context, hash interfaces.ContentHash, from, to interfaces.Tier) error {
	if from == to {
		return nil
	}
	srcBucket, err := d.bucket(hash, from)
	if err != nil {
		return err
	}
	dstBucket, err := d.bucket(hash, to)
	if err != nil {
		return err
	}

	srcMeta, err := d.HeadObject(ctx, hash, from)
	if err != nil {
		return fmt.Errorf("failed to head source: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	_, err = d.client.CopyObjectWithContext(callCtx, &s3.CopyObjectInput{
		Bucket:       aws.String(dstBucket),
		Key:          aws.String(objectKey(hash)),
		CopySource:   aws.String(srcBucket + "/" + objectKey(hash)),
		StorageClass: aws.String(StorageClassFor(to)),
	})
	cancel()
	if err != nil {
		return fmt.Errorf("failed to copy object to %s: %w", to, err)
	}

	dstMeta, err := d.HeadObject(ctx, hash, to)
	if err != nil {
		return fmt.Errorf("failed to confirm copy in %s: %w", to, err)
	}
	if dstMeta.Size != srcMeta.Size {
		return fmt.Errorf("copy in %s has %d bytes, source has %d", to, dstMeta.Size, srcMeta.Size)
	}

	if err := d.DeleteObject(ctx, hash, from); err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
		return fmt.Errorf("failed to delete source in %s: %w", from, err)
	}

	d.log.Info("Moved object between tiers",
		slog.String("content_hash", hash.Short()),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return nil
}

// Location returns the s3:// location of a tier bucket.
func (d *S3Driver) Location(tier interfaces.Tier) interfaces.StorageLocation {
	loc := DefaultLocationProfile(interfaces.LocationS3)
	loc.URL = "s3://" + d.buckets.ForTier(tier)
	loc.Tier = tier
	return loc
}

// Name returns a unique identifier for this storage driver.
func (d *S3Driver) Name() string {
	return fmt.Sprintf("s3-%s", d.buckets.Hot)
}

func (d *S3Driver) bucket(hash interfaces.ContentHash, tier interfaces.Tier) (string, error) {
	if err := validateKey(hash, tier); err != nil {
		return "", err
	}
	bucket := d.buckets.ForTier(tier)
	if bucket == "" {
		return "", fmt.Errorf("%w: no bucket configured for tier %q", interfaces.ErrConfiguration, tier)
	}
	return bucket, nil
}

func objectKey(hash interfaces.ContentHash) string {
	return hash.Shard() + "/" + string(hash)
}

// listPrefix maps a content hash prefix onto the sharded key layout.
func listPrefix(prefix string) string {
	if len(prefix) < 2 {
		return prefix
	}
	return prefix[:2] + "/" + prefix
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

func totalFromContentRange(header string) (int64, bool) {
	_, total, ok := strings.Cut(header, "/")
	if !ok || total == "*" {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscan(total, &n); err != nil {
		return 0, false
	}
	return n, true
}
