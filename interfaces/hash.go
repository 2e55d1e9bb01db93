package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// ContentHash is the lowercase hex encoding of a SHA-256 digest. It is the
// only identity a stored object has.
type ContentHash string

const (
	contentHashLen  = 64
	hashChunkSize   = 32 * 1024
	sha256URIPrefix = "sha256:"
)

// NewContentHash normalizes and validates a content hash. A leading "sha256:"
// or "0x" prefix is stripped and the remainder is lowercased.
func NewContentHash(source string) (ContentHash, error) {
	clean := strings.TrimSpace(source)
	if len(clean) > len(sha256URIPrefix) && strings.EqualFold(clean[:len(sha256URIPrefix)], sha256URIPrefix) {
		clean = clean[len(sha256URIPrefix):]
	}
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	clean = strings.ToLower(clean)

	if len(clean) != contentHashLen {
		return "", fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidContentHash, contentHashLen, len(clean))
	}
	if _, err := hex.DecodeString(clean); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidContentHash, err)
	}
	return ContentHash(clean), nil
}

// MustContentHash is NewContentHash for constants and tests.
func MustContentHash(source string) ContentHash {
	h, err := NewContentHash(source)
	if err != nil {
		panic(err)
	}
	return h
}

// ComputeHash returns the content hash of data.
func ComputeHash(data []byte) ContentHash {
	sum := sha256.Sum256(data)
	return ContentHash(hex.EncodeToString(sum[:]))
}

// HashReader consumes r in fixed-size chunks and returns its content hash and
// the number of bytes read. Cancellation is checked between chunks.
func HashReader(ctx context.Context, r io.Reader) (ContentHash, int64, error) {
	h := sha256.New()
	n, err := copyWithContext(ctx, h, r)
	if err != nil {
		return "", n, err
	}
	return hashFrom(h), n, nil
}

// NewHashingReader wraps r so that every byte read also feeds a SHA-256
// digest. Sum is valid once r has been drained.
func NewHashingReader(r io.Reader) *HashingReader {
	h := sha256.New()
	return &HashingReader{r: io.TeeReader(r, h), h: h}
}

// HashingReader hashes everything read through it.
type HashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	hr.n += int64(n)
	return n, err
}

// Sum returns the hash of everything read so far.
func (hr *HashingReader) Sum() ContentHash {
	return hashFrom(hr.h)
}

// BytesRead returns the number of bytes consumed so far.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}

// VerifyContent returns a *HashMismatchError if data does not hash to expected.
func VerifyContent(expected ContentHash, data []byte) error {
	if actual := ComputeHash(data); actual != expected {
		return &HashMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}

// String returns the hex representation.
func (h ContentHash) String() string {
	return string(h)
}

// URI returns the "sha256:<hex>" form.
func (h ContentHash) URI() string {
	return sha256URIPrefix + string(h)
}

// Shard returns the two-character directory prefix used by storage layouts.
func (h ContentHash) Shard() string {
	if len(h) < 2 {
		return string(h)
	}
	return string(h[:2])
}

// Short returns an abbreviated hash for log lines.
func (h ContentHash) Short() string {
	if len(h) < 16 {
		return string(h)
	}
	return string(h[:16])
}

// Validate reports whether h is a well-formed content hash.
func (h ContentHash) Validate() error {
	normalized, err := NewContentHash(string(h))
	if err != nil {
		return err
	}
	if normalized != h {
		return fmt.Errorf("%w: hash must be bare lowercase hex", ErrInvalidContentHash)
	}
	return nil
}

func hashFrom(h hash.Hash) ContentHash {
	return ContentHash(hex.EncodeToString(h.Sum(nil)))
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, hashChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
