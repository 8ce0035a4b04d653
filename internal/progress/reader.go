package progress

import (
	"io"
	"time"
)

// Reader wraps an io.Reader and reports progress via a callback at most once per
// interval. A callback error aborts the stream: Read returns it instead of io.EOF
// or further data.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read, total int64) error

	interval  time.Duration
	totalRead int64
	last      time.Time
	now       func() time.Time
}

func NewReader(r io.Reader, total int64, interval time.Duration, cb func(read, total int64) error) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		interval:   interval,
		now:        time.Now,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n <= 0 || pr.OnProgress == nil {
		return n, err
	}

	pr.totalRead += int64(n)

	now := pr.now()
	if !pr.last.IsZero() && now.Sub(pr.last) < pr.interval {
		return n, err
	}

	pr.last = now

	if cbErr := pr.OnProgress(pr.totalRead, pr.Total); cbErr != nil {
		return n, cbErr
	}

	return n, err
}

// BytesRead returns the bytes consumed so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}
