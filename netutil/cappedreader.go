package netutil

import (
	"errors"
	"fmt"
	"io"
)

// CappedReader wraps an io.Reader and fails once more than the configured
// number of bytes arrive. Unlike io.LimitReader it distinguishes "stream
// ended" from "stream too large", which matters when the bytes come from a
// remote signing service or an asset of untrusted size.
type CappedReader struct {
	r    io.Reader
	n    int64 // bytes remaining
	cap  int64
	read int64
}

// NewCappedReader reads at most cap bytes from r before erroring.
func NewCappedReader(r io.Reader, cap int64) *CappedReader {
	return &CappedReader{r: r, n: cap, cap: cap}
}

// Read implements io.Reader.
func (c *CappedReader) Read(p []byte) (n int, err error) {
	if c.n <= 0 {
		return 0, &SizeLimitError{Limit: c.cap, Read: c.read}
	}

	if int64(len(p)) > c.n {
		p = p[0:c.n]
	}

	n, err = c.r.Read(p)
	c.n -= int64(n)
	c.read += int64(n)

	// On an exact fill, peek one byte to tell EOF apart from overflow.
	if c.n == 0 && err == nil {
		var buf [1]byte
		extra, extraErr := c.r.Read(buf[:])
		if extra > 0 {
			return n, &SizeLimitError{Limit: c.cap, Read: c.read + 1}
		}
		if extraErr != nil && extraErr != io.EOF {
			return n, extraErr
		}
	}

	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (c *CappedReader) BytesRead() int64 {
	return c.read
}

// SizeLimitError is returned when a capped read overflows.
type SizeLimitError struct {
	Limit int64
	Read  int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("size limit exceeded: read %d bytes, limit is %d bytes", e.Read, e.Limit)
}

// IsSizeLimitError returns true if the error is a SizeLimitError.
func IsSizeLimitError(err error) bool {
	var limitErr *SizeLimitError
	return errors.As(err, &limitErr)
}

// FormatSize renders a byte count for human-facing output.
func FormatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)

	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gb)
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mb)
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kb)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
