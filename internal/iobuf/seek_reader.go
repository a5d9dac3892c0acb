// Package iobuf provides small io.ReadCloser composition helpers used to
// assemble a single ordered byte stream out of disk reads for stream_range.
package iobuf

import (
	"fmt"
	"io"
	"sync"
)

// seekReadCloser wraps an io.ReadSeekCloser, applying an initial Seek exactly
// once before the first Read or WriteTo.
type seekReadCloser struct {
	r      io.ReadSeekCloser
	offset int64
	once   sync.Once
}

// SeekReadCloser returns an io.ReadCloser that begins reading r at offset.
func SeekReadCloser(r io.ReadSeekCloser, offset int64) io.ReadCloser {
	return &seekReadCloser{r: r, offset: offset}
}

func (s *seekReadCloser) seek() {
	s.once.Do(func() {
		pos, err := s.r.Seek(s.offset, io.SeekStart)
		if err != nil {
			panic(err)
		}
		if pos != s.offset {
			panic(fmt.Sprintf("seek failed, got %d, want %d", pos, s.offset))
		}
	})
}

func (s *seekReadCloser) Read(p []byte) (int, error) {
	s.seek()
	return s.r.Read(p)
}

func (s *seekReadCloser) WriteTo(w io.Writer) (int64, error) {
	s.seek()
	return io.Copy(w, s.r)
}

func (s *seekReadCloser) Close() error {
	return s.r.Close()
}
