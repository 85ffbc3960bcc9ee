package gcs

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	buf         bytes.Buffer
	contentType string
	closed      bool
	writeErr    error
	closeErr    error
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	return w.buf.Write(p)
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func (w *fakeWriter) SetContentType(ct string) { w.contentType = ct }

func TestNewRequiresClientAndBucket(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = newWithWriter(Config{}, nil)
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	var gotBucket, gotObject string
	s, err := newWithWriter(Config{Bucket: "docs-archive"}, func(_ context.Context, bucket, object string) objectWriter {
		gotBucket, gotObject = bucket, object
		return w
	})
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "eth/repo/fp.txt", "text/plain", []byte("body"))
	require.NoError(t, err)
	require.Equal(t, "gs://docs-archive/eth/repo/fp.txt", uri)
	require.Equal(t, "docs-archive", gotBucket)
	require.Equal(t, "eth/repo/fp.txt", gotObject)
	require.Equal(t, "body", w.buf.String())
	require.Equal(t, "text/plain", w.contentType)
	require.True(t, w.closed)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	writeFail := &fakeWriter{writeErr: errors.New("boom")}
	s, err := newWithWriter(Config{Bucket: "b"}, func(context.Context, string, string) objectWriter { return writeFail })
	require.NoError(t, err)
	_, err = s.PutObject(context.Background(), "k", "", []byte("x"))
	require.ErrorContains(t, err, "copy object")
	require.True(t, writeFail.closed)

	closeFail := &fakeWriter{closeErr: errors.New("finalize")}
	s, err = newWithWriter(Config{Bucket: "b"}, func(context.Context, string, string) objectWriter { return closeFail })
	require.NoError(t, err)
	_, err = s.PutObject(context.Background(), "k", "", []byte("x"))
	require.ErrorContains(t, err, "close writer")

	_, err = s.PutObject(context.Background(), "", "", nil)
	require.Error(t, err)
}
