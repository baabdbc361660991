package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/stepstore/internal/config"
)

// mockS3 is a minimal in-memory S3 subset: Head, Get, Put and ListObjectsV2
type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *mockS3) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	empty := io.NopCloser(bytes.NewReader(nil))

	if req.Method == http.MethodGet && strings.Contains(req.URL.RawQuery, "list-type=2") {
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range m.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2026-01-01T00:00:00Z</LastModified></Contents>", k, len(m.objects[k]))
		}
		b.WriteString("</ListBucketResult>")
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(b.String())),
			Header: http.Header{"Content-Type": {"application/xml"}}}, nil
	}

	body, ok := m.objects[key]
	switch req.Method {
	case http.MethodHead:
		if !ok {
			return &http.Response{StatusCode: http.StatusNotFound, Body: empty, Header: http.Header{}}, nil
		}
		return &http.Response{StatusCode: http.StatusOK, Body: empty, Header: objectHeader(body)}, nil
	case http.MethodGet:
		if !ok {
			return &http.Response{StatusCode: http.StatusNotFound,
				Body:   io.NopCloser(strings.NewReader(`<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)),
				Header: http.Header{"Content-Type": {"application/xml"}}}, nil
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: objectHeader(body)}, nil
	case http.MethodPut:
		data, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(data); ok {
			data = dec
		}
		m.objects[key] = data
		return &http.Response{StatusCode: http.StatusOK, Body: empty, Header: http.Header{"ETag": {`"etag"`}}}, nil
	}
	return &http.Response{StatusCode: http.StatusNotImplemented, Body: empty, Header: http.Header{}}, nil
}

func objectHeader(body []byte) http.Header {
	return http.Header{
		"Content-Length": {fmt.Sprintf("%d", len(body))},
		"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
		"ETag":           {`"etag"`},
	}
}

// decodeChunked unwraps a single-chunk aws-chunked payload
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 || parts[2] != "0" {
		return nil, false
	}
	var size int
	if _, err := fmt.Sscanf(parts[0], "%x", &size); err != nil || size != len(parts[1]) {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newMockS3Store(t *testing.T) *S3Store {
	t.Helper()
	rt := &mockS3{objects: make(map[string][]byte)}
	st, err := NewS3(context.Background(), S3Config{
		Bucket:          "renders",
		Endpoint:        "https://mock.s3.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
	}, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.RetryMaxAttempts = 1
	})
	require.NoError(t, err)
	return st
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	info, err := st.Put(ctx, "backups/a/run.gldb", bytes.NewReader([]byte("sqlite bytes")))
	require.NoError(t, err)
	assert.Equal(t, int64(12), info.Size)

	_, err = st.Put(ctx, "backups/a/run.gldb", bytes.NewReader([]byte("again")))
	assert.ErrorIs(t, err, ErrExists)

	_, err = st.Put(ctx, "other/x", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	rc, err := st.Get(ctx, "backups/a/run.gldb")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "sqlite bytes", string(data))

	_, err = st.Get(ctx, "backups/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := st.List(ctx, BackupPrefix)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "backups/a/run.gldb", list[0].Key)

	for _, bad := range []string{"", "/abs", "a/../b", "./a", `a\b`} {
		_, err := st.Put(ctx, bad, bytes.NewReader(nil))
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestFSStore(t *testing.T) {
	st, err := NewFSStore(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, err)
	assert.Equal(t, "fs", st.Driver())
	exerciseStore(t, st)
}

func TestS3Store(t *testing.T) {
	st := newMockS3Store(t)
	assert.Equal(t, "s3", st.Driver())
	exerciseStore(t, st)
}

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestUploadFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "model.gldb")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	st, err := NewFSStore(filepath.Join(dir, "archive"))
	require.NoError(t, err)

	info, err := UploadFile(context.Background(), st, src)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.Key, BackupPrefix))
	assert.True(t, strings.HasSuffix(info.Key, "/model.gldb"))

	// Each upload gets a fresh key
	second, err := UploadFile(context.Background(), st, src)
	require.NoError(t, err)
	assert.NotEqual(t, info.Key, second.Key)

	_, err = UploadFile(context.Background(), st, filepath.Join(dir, "missing.gldb"))
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	root := filepath.Join(t.TempDir(), "fs")
	st, err := Open(context.Background(), config.Archive{Driver: "fs", Root: root})
	require.NoError(t, err)
	assert.Equal(t, "fs", st.Driver())

	st, err = Open(context.Background(), config.Archive{Driver: "s3", Bucket: "b", Region: "eu-west-1"})
	require.NoError(t, err)
	assert.Equal(t, "s3", st.Driver())

	_, err = Open(context.Background(), config.Archive{Driver: "ftp"})
	assert.Error(t, err)
}
