package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ruteri/tiered-content-storage/interfaces"
)

// ParseRangeHeader parses a single-range HTTP Range header ("bytes=s-e",
// "bytes=s-" or "bytes=-n") against an object of the given length. An empty
// header returns nil. Multi-range requests are rejected.
func ParseRangeHeader(header string, length int64) (*interfaces.ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, fmt.Errorf("%w: unsupported unit in %q", interfaces.ErrInvalidRange, header)
	}
	if strings.Contains(spec, ",") {
		return nil, fmt.Errorf("%w: multiple ranges are not supported", interfaces.ErrInvalidRange)
	}

	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, fmt.Errorf("%w: malformed range %q", interfaces.ErrInvalidRange, spec)
	}

	var rng interfaces.ByteRange
	switch {
	case startStr == "" && endStr == "":
		return nil, fmt.Errorf("%w: empty range", interfaces.ErrInvalidRange)
	case startStr == "":
		// suffix range: last n bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: malformed suffix length %q", interfaces.ErrInvalidRange, endStr)
		}
		if n > length {
			n = length
		}
		rng = interfaces.ByteRange{Start: length - n, End: length - 1}
	default:
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed start %q", interfaces.ErrInvalidRange, startStr)
		}
		rng = interfaces.ByteRange{Start: start, End: -1}
		if endStr != "" {
			end, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: malformed end %q", interfaces.ErrInvalidRange, endStr)
			}
			rng.End = end
		}
	}

	start, end, err := rng.Resolve(length)
	if err != nil {
		return nil, err
	}
	return &interfaces.ByteRange{Start: start, End: end}, nil
}

// FormatContentRange renders a Content-Range header value.
func FormatContentRange(start, end, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, total)
}

// FormatUnsatisfiedRange renders the Content-Range value sent with a 416.
func FormatUnsatisfiedRange(total int64) string {
	return fmt.Sprintf("bytes */%d", total)
}

// ClampRange shortens rng so that it covers at most maxBytes.
func ClampRange(rng interfaces.ByteRange, maxBytes int64) interfaces.ByteRange {
	if maxBytes <= 0 {
		return rng
	}
	if rng.End < 0 || rng.End-rng.Start+1 > maxBytes {
		rng.End = rng.Start + maxBytes - 1
	}
	return rng
}

func rangeHeaderValue(start, end int64) string {
	return fmt.Sprintf("bytes=%d-%d", start, end)
}
