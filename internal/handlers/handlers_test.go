package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/voicevault/internal/blobstore"
	"github.com/maneesh/voicevault/internal/metrics"
	"github.com/maneesh/voicevault/internal/pipeline"
	"github.com/maneesh/voicevault/internal/resolver"
	"github.com/maneesh/voicevault/internal/storage"
)

const testBase = "http://localhost:5000"

type testServer struct {
	*httptest.Server
	store   *blobstore.Store
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	engine, err := storage.NewBadgerEngine(storage.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	store, err := blobstore.Initialize(engine, blobstore.WithChunkSize(64*1024))
	require.NoError(t, err)
	m := metrics.New()

	router := NewRouter(Deps{
		Store:      store,
		Uploader:   pipeline.NewUploader(store, pipeline.WithMaxBytes(8<<20)),
		Downloader: pipeline.NewDownloader(store),
		Resolver:   resolver.New(testBase),
		Metrics:    m,
		Logger:     zerolog.Nop(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, metrics: m}
}

func (ts *testServer) upload(t *testing.T, name, contentType string, body io.Reader, headers map[string]string) (*http.Response, WriteResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/chat/audio?name="+name, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out WriteResponse
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (ts *testServer) do(t *testing.T, method, path string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func audio(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 253)
	}
	return b
}

func TestUploadAndDownload(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	data := audio(5_000_000)

	resp, out := ts.upload(t, "note1.webm", "audio/webm", bytes.NewReader(data), map[string]string{
		"X-Audio-Tag-Room":   "general",
		"X-Audio-Tag-Sender": "u42",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, testBase+"/api/chat/audio/"+out.ID, out.URL)
	assert.Equal(t, out.URL, resp.Header.Get("Location"))
	assert.True(t, strings.HasSuffix(out.Filename, "-note1.webm"), out.Filename)
	assert.Equal(t, "audio/webm", out.ContentType)
	assert.Equal(t, int64(5_000_000), out.Length)

	meta, err := ts.store.Stat(t.Context(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, "general", meta.Tags["room"])
	assert.Equal(t, "u42", meta.Tags["sender"])
	assert.Contains(t, meta.Tags, pipeline.TagUploadedAt)

	resp, body := ts.do(t, http.MethodGet, "/api/chat/audio/"+out.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/webm", resp.Header.Get("Content-Type"))
	assert.Equal(t, "5000000", resp.Header.Get("Content-Length"))
	assert.Equal(t, `inline; filename=`+out.Filename, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, `"`+meta.SHA256+`"`, resp.Header.Get("ETag"))
	assert.True(t, bytes.Equal(data, body))
}

func TestConditionalGet(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	_, out := ts.upload(t, "a.ogg", "audio/ogg", bytes.NewReader(audio(100)), nil)
	resp, _ := ts.do(t, http.MethodGet, "/api/chat/audio/"+out.ID, nil)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	resp, body := ts.do(t, http.MethodGet, "/api/chat/audio/"+out.ID, map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Empty(t, body)
}

func TestHead(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	_, out := ts.upload(t, "a.ogg", "audio/ogg", bytes.NewReader(audio(1234)), nil)

	resp, body := ts.do(t, http.MethodHead, "/api/chat/audio/"+out.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/ogg", resp.Header.Get("Content-Type"))
	assert.Equal(t, int64(1234), resp.ContentLength)
	assert.Empty(t, body)

	resp, _ = ts.do(t, http.MethodHead, "/api/chat/audio/nonexistent-id", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetUnknown(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/chat/audio/nonexistent-id", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "audio not found", errResp.Error)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	_, out := ts.upload(t, "a.webm", "audio/webm", bytes.NewReader(audio(200_000)), nil)

	resp, _ := ts.do(t, http.MethodDelete, "/api/chat/audio/"+out.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/chat/audio/"+out.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/api/chat/audio/"+out.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("caption", "hello"))

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestMultipartUpload(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	data := audio(150_000)

	body, contentType := multipartBody(t, "audio", "voice.m4a", "audio/mp4", data)
	resp, out := ts.upload(t, "", contentType, body, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, strings.HasSuffix(out.Filename, "-voice.m4a"), out.Filename)
	assert.Equal(t, "audio/mp4", out.ContentType)
	assert.Equal(t, int64(len(data)), out.Length)

	resp, got := ts.do(t, http.MethodGet, "/api/chat/audio/"+out.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.Equal(data, got))
}

func TestMultipartWithoutAudioPart(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	body, contentType := multipartBody(t, "file", "voice.m4a", "audio/mp4", audio(10))
	resp, _ := ts.upload(t, "x", contentType, body, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadTooLarge(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, _ := ts.upload(t, "big.webm", "audio/webm", bytes.NewReader(audio(8<<20+1)), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	_, out := ts.upload(t, "a.webm", "audio/webm", bytes.NewReader(audio(10)), nil)
	require.NotEmpty(t, out.ID)
	ts.do(t, http.MethodGet, "/api/chat/audio/nonexistent-id", nil)

	resp, body = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `voicevault_operation_total{operation="upload",status="ok"} 1`)
	assert.Contains(t, string(body), `voicevault_operation_total{operation="download",status="not_found"} 1`)
	assert.Contains(t, string(body), `voicevault_bytes_total{direction="in"} 10`)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPut, "/api/chat/audio/abc", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHeaderTags(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set("X-Audio-Tag-Room", "general")
	h.Set("X-Audio-Tag-", "ignored")
	h.Set("Content-Type", "audio/webm")

	assert.Equal(t, map[string]string{"room": "general"}, headerTags(h))
	assert.Nil(t, headerTags(http.Header{}))
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
	}{
		{&blobstore.OpError{Op: "retrieve", Sequence: -1, Kind: blobstore.ErrNotFound}, http.StatusNotFound},
		{&blobstore.OpError{Op: "upload", Sequence: -1, Kind: blobstore.ErrUploadAborted, Err: pipeline.ErrTooLarge}, http.StatusRequestEntityTooLarge},
		{&blobstore.OpError{Op: "upload", Sequence: -1, Kind: blobstore.ErrUploadAborted}, http.StatusBadRequest},
		{&blobstore.OpError{Op: "store", Sequence: 2, Kind: blobstore.ErrWriteFailure}, http.StatusInternalServerError},
		{blobstore.ErrNotInitialized, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			status, _ := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}
