package iobuf

import "io"

// limitedReadCloser wraps an io.ReadCloser, bounding the number of bytes
// that can be read from it and closing the underlying reader regardless of
// how much of the limit was consumed.
type limitedReadCloser struct {
	r       io.ReadCloser
	limited io.Reader
}

// LimitReadCloser bounds readCloser to at most max bytes.
func LimitReadCloser(readCloser io.ReadCloser, max int64) io.ReadCloser {
	return &limitedReadCloser{
		r:       readCloser,
		limited: io.LimitReader(readCloser, max),
	}
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	return l.limited.Read(p)
}

func (l *limitedReadCloser) WriteTo(w io.Writer) (int64, error) {
	return io.Copy(w, l.limited)
}

func (l *limitedReadCloser) Close() error {
	return l.r.Close()
}
