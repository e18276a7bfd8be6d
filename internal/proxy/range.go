package proxy

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// rangeRegex matches the single-range forms bytes=S-E, bytes=S- and bytes=-N.
var rangeRegex = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// ErrUnsatisfiable means the requested range starts at or past end of file.
var ErrUnsatisfiable = errors.New("range not satisfiable")

// ByteRange is an inclusive byte window within a file.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value for a file of
// totalSize bytes.
func (r ByteRange) ContentRange(totalSize int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, totalSize)
}

// ParseRange parses an HTTP Range header against the file's total size.
// Returns (nil, nil) when the header is absent or not a parseable byte
// range; the request is then served in full. A start at or past end of file
// returns ErrUnsatisfiable.
func ParseRange(header string, totalSize int64) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}

	matches := rangeRegex.FindStringSubmatch(header)
	if matches == nil {
		return nil, nil
	}

	startStr, endStr := matches[1], matches[2]

	// Suffix form bytes=-N: the final N bytes.
	if startStr == "" {
		if endStr == "" {
			return nil, nil
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix == 0 {
			return nil, ErrUnsatisfiable
		}
		start := totalSize - suffix
		if start < 0 {
			start = 0
		}
		return &ByteRange{Start: start, End: totalSize - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return nil, nil
	}
	if start >= totalSize {
		return nil, ErrUnsatisfiable
	}

	end := totalSize - 1
	if endStr != "" {
		e, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, nil
		}
		if e < start {
			return nil, ErrUnsatisfiable
		}
		if e < end {
			end = e
		}
	}

	return &ByteRange{Start: start, End: end}, nil
}
