package storage

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3 emulates the slice of the S3 API the chunk store uses: path-style
// object PUT/GET/DELETE, HeadBucket and ListObjectsV2.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

type listBucketResult struct {
	XMLName        xml.Name       `xml:"ListBucketResult"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	KeyCount       int            `xml:"KeyCount"`
	MaxKeys        int            `xml:"MaxKeys"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []listContent  `xml:"Contents"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes"`
}

type listContent struct {
	Key  string `xml:"Key"`
	Size int    `xml:"Size"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

func (m *mockS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if key == "" {
		if r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2" {
			m.list(w, bucket, r.URL.Query().Get("prefix"), r.URL.Query().Get("delimiter"))
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		m.objects[key] = data
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := m.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		_, _ = w.Write(data)
	case http.MethodDelete:
		delete(m.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (m *mockS3) list(w http.ResponseWriter, bucket, prefix, delimiter string) {
	result := listBucketResult{Name: bucket, Prefix: prefix, MaxKeys: 1000}
	seen := make(map[string]bool)

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				p := prefix + rest[:i+len(delimiter)]
				if !seen[p] {
					seen[p] = true
					result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: p})
				}
				continue
			}
		}
		result.Contents = append(result.Contents, listContent{Key: k, Size: len(m.objects[k])})
	}
	result.KeyCount = len(result.Contents) + len(result.CommonPrefixes)

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(result)
}

func (m *mockS3) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newTestS3(t *testing.T) (*S3ChunkStore, *mockS3) {
	t.Helper()
	mock := &mockS3{objects: make(map[string][]byte)}
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)

	store, err := NewS3ChunkStore(context.Background(), S3Options{
		Bucket:          "voice",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	return store, mock
}

func TestS3PutGetRoundTrip(t *testing.T) {
	t.Parallel()
	store, mock := newTestS3(t)
	ctx := context.Background()

	require.NoError(t, store.PutChunk(ctx, "blob-1", 0, []byte("hello ")))
	require.NoError(t, store.PutChunk(ctx, "blob-1", 1, []byte("world")))
	assert.Equal(t, []string{ChunkKey("blob-1", 0), ChunkKey("blob-1", 1)}, mock.keys())

	got, err := store.GetChunk(ctx, "blob-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
}

func TestS3GetMissingChunk(t *testing.T) {
	t.Parallel()
	store, _ := newTestS3(t)

	_, err := store.GetChunk(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3DeleteChunks(t *testing.T) {
	t.Parallel()
	store, mock := newTestS3(t)
	ctx := context.Background()

	for seq := 0; seq < 3; seq++ {
		require.NoError(t, store.PutChunk(ctx, "gone", seq, []byte("x")))
	}
	require.NoError(t, store.PutChunk(ctx, "kept", 0, []byte("y")))

	require.NoError(t, store.DeleteChunks(ctx, "gone"))
	assert.Equal(t, []string{ChunkKey("kept", 0)}, mock.keys())

	require.NoError(t, store.DeleteChunks(ctx, "gone"))
}

func TestS3WalkBlobIDs(t *testing.T) {
	t.Parallel()
	store, _ := newTestS3(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		for seq := 0; seq < 2; seq++ {
			require.NoError(t, store.PutChunk(ctx, id, seq, []byte(id)))
		}
	}

	var ids []string
	require.NoError(t, store.WalkBlobIDs(ctx, func(id string) error {
		ids = append(ids, id)
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestS3RequiresBucket(t *testing.T) {
	t.Parallel()
	_, err := NewS3ChunkStore(context.Background(), S3Options{})
	assert.Error(t, err)
}
