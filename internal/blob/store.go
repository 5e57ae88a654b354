package blob

import (
	"context"
	"io"
)

// ProgressFunc receives the fraction of the payload transferred so far, in
// the range [0, 1]. Implementations call it at least once with 1 on success.
type ProgressFunc func(fraction float64)

// Store is the object storage behind attachment uploads. Keys are opaque
// slash-separated paths chosen by the caller.
type Store interface {
	// Put streams the payload to storage and returns a URL under which the
	// object can be fetched. The progress callback may be nil.
	Put(ctx context.Context, key string, contentType string, size int64, body io.Reader, progress ProgressFunc) (string, error)
	// Get opens the stored object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// countingReader forwards reads and reports cumulative progress against the
// declared size.
type countingReader struct {
	inner    io.Reader
	size     int64
	read     int64
	progress ProgressFunc
}

func newCountingReader(inner io.Reader, size int64, progress ProgressFunc) io.Reader {
	if progress == nil || size <= 0 {
		return inner
	}
	return &countingReader{inner: inner, size: size, progress: progress}
}

func (r *countingReader) Read(buffer []byte) (int, error) {
	n, err := r.inner.Read(buffer)
	if n > 0 {
		r.read += int64(n)
		fraction := float64(r.read) / float64(r.size)
		if fraction > 1 {
			fraction = 1
		}
		r.progress(fraction)
	}
	return n, err
}
