package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/moyoez/chunkrecv/receiver"
	"github.com/moyoez/chunkrecv/storage"
	"github.com/moyoez/chunkrecv/tool"
	"github.com/moyoez/chunkrecv/types"
)

type uploadResponse struct {
	Data struct {
		Kind     string          `json:"kind"`
		UploadID string          `json:"uploadId"`
		Received int             `json:"received"`
		Total    int             `json:"total"`
		Artifact *types.Artifact `json:"artifact"`
	} `json:"data"`
	Error   string `json:"error"`
	Missing []int  `json:"missing"`
}

// setupServer creates a router backed by an in-memory receiver
func setupServer(t *testing.T, rateLimit types.RateLimitConfig) (http.Handler, *receiver.Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c := receiver.New(storage.NewMemoryStorage(), receiver.Options{
		DestinationResolver: receiver.FolderResolver(t.TempDir(), false),
		Logger:              tool.DiscardLogger(),
	})
	return NewServer(0, c, nil, rateLimit).Handler(), c
}

// multipartRequest builds a multipart upload with the given form fields
func multipartRequest(t *testing.T, fields map[string]string, fileName, content string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if fileName != "" {
		part, err := w.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		part.Write([]byte(content))
	}
	w.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/chunkrecv/v1/upload", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, uploadResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var resp uploadResponse
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func readArtifact(t *testing.T, a *types.Artifact) string {
	t.Helper()
	if a == nil {
		t.Fatal("expected an artifact")
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	return string(data)
}

func TestUpload_Single(t *testing.T) {
	h, _ := setupServer(t, types.RateLimitConfig{})

	w, resp := do(t, h, multipartRequest(t, nil, "hello.txt", "hello world"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if resp.Data.Kind != "completed" {
		t.Errorf("expected kind completed, got %s", resp.Data.Kind)
	}
	if got := readArtifact(t, resp.Data.Artifact); got != "hello world" {
		t.Errorf("unexpected artifact content %q", got)
	}
}

func TestUpload_NoFile(t *testing.T) {
	h, _ := setupServer(t, types.RateLimitConfig{})

	w, resp := do(t, h, multipartRequest(t, map[string]string{"note": "x"}, "", ""))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if resp.Error == "" {
		t.Error("expected an error message")
	}
}

func TestUpload_Resumable(t *testing.T) {
	h, _ := setupServer(t, types.RateLimitConfig{})
	fields := func(n string) map[string]string {
		return map[string]string{
			"resumableChunkNumber": n,
			"resumableTotalChunks": "2",
			"resumableIdentifier":  "11-notestxt",
			"resumableFilename":    "notes.txt",
			"resumableTotalSize":   "11",
		}
	}

	w, resp := do(t, h, multipartRequest(t, fields("2"), "blob", "world"))
	if w.Code != http.StatusOK || resp.Data.Kind != "chunk_accepted" {
		t.Fatalf("expected chunk_accepted, got %d %s", w.Code, w.Body.String())
	}

	probe := httptest.NewRequest(http.MethodGet,
		"/api/chunkrecv/v1/upload?resumableChunkNumber=1&resumableIdentifier=11-notestxt", nil)
	if w, _ := do(t, h, probe); w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for a missing chunk, got %d", w.Code)
	}
	probe = httptest.NewRequest(http.MethodGet,
		"/api/chunkrecv/v1/upload?resumableChunkNumber=2&resumableIdentifier=11-notestxt", nil)
	if w, _ := do(t, h, probe); w.Code != http.StatusOK {
		t.Errorf("expected 200 for a stored chunk, got %d", w.Code)
	}

	w, resp = do(t, h, multipartRequest(t, fields("1"), "blob", "hello "))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if resp.Data.Artifact.FileName != "notes.txt" {
		t.Errorf("expected resumable filename, got %s", resp.Data.Artifact.FileName)
	}
	if got := readArtifact(t, resp.Data.Artifact); got != "hello world" {
		t.Errorf("unexpected artifact content %q", got)
	}
}

func TestUpload_Dropzone(t *testing.T) {
	h, _ := setupServer(t, types.RateLimitConfig{})
	id := "6f1c2c0e-3b7a-4d4e-9a51-2f7f1b0c9d11"
	for i, part := range []string{"ab", "cd", "e"} {
		fields := map[string]string{
			"dzuuid":            id,
			"dzchunkindex":      []string{"0", "1", "2"}[i],
			"dztotalchunkcount": "3",
			"dztotalfilesize":   "5",
		}
		w, resp := do(t, h, multipartRequest(t, fields, "letters.txt", part))
		if i < 2 && w.Code != http.StatusOK {
			t.Fatalf("chunk %d: expected 200, got %d", i, w.Code)
		}
		if i == 2 {
			if w.Code != http.StatusCreated {
				t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
			}
			if got := readArtifact(t, resp.Data.Artifact); got != "abcde" {
				t.Errorf("unexpected artifact content %q", got)
			}
		}
	}

	w, resp := do(t, h, multipartRequest(t, map[string]string{
		"dzuuid": id, "dzchunkindex": "0", "dztotalchunkcount": "3",
	}, "letters.txt", "ab"))
	if w.Code != http.StatusOK || resp.Data.Kind != "already_completed" {
		t.Errorf("expected already_completed, got %d %s", w.Code, w.Body.String())
	}
}

func TestUpload_HeadersGap(t *testing.T) {
	h, _ := setupServer(t, types.RateLimitConfig{})
	send := func(index, last string, body string) (*httptest.ResponseRecorder, uploadResponse) {
		req := httptest.NewRequest(http.MethodPost, "/api/chunkrecv/v1/upload", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-File-Name", "raw.bin")
		req.Header.Set("X-Upload-Id", "raw-1")
		req.Header.Set("X-Chunk-Index", index)
		if last != "" {
			req.Header.Set("X-Chunk-Last", last)
		}
		return do(t, h, req)
	}

	send("0", "", "a")
	w, resp := send("2", "true", "c")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", w.Code, w.Body.String())
	}
	if len(resp.Missing) != 1 || resp.Missing[0] != 1 {
		t.Errorf("expected missing [1], got %v", resp.Missing)
	}

	w, resp = send("1", "", "b")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := readArtifact(t, resp.Data.Artifact); got != "abc" {
		t.Errorf("unexpected artifact content %q", got)
	}
}

func TestUpload_InvalidIndex(t *testing.T) {
	h, _ := setupServer(t, types.RateLimitConfig{})
	tests := []struct {
		name  string
		index string
	}{
		{"not a number", "two"},
		{"out of range", "5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := multipartRequest(t, map[string]string{
				"dzuuid": "bad-index", "dzchunkindex": tt.index, "dztotalchunkcount": "2",
			}, "a.bin", "x")
			if w, _ := do(t, h, req); w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestStatusAndAbandon(t *testing.T) {
	h, _ := setupServer(t, types.RateLimitConfig{})
	do(t, h, multipartRequest(t, map[string]string{
		"dzuuid": "status-1", "dzchunkindex": "1", "dztotalchunkcount": "3",
	}, "a.bin", "x"))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/chunkrecv/v1/upload/status-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var status struct {
		Data struct {
			State    string `json:"state"`
			Total    int    `json:"total"`
			Received []int  `json:"received"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to parse status: %v", err)
	}
	if status.Data.State != "receiving" || status.Data.Total != 3 || len(status.Data.Received) != 1 || status.Data.Received[0] != 1 {
		t.Errorf("unexpected status %+v", status.Data)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/chunkrecv/v1/upload/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}

	remote := httptest.NewRequest(http.MethodDelete, "/api/admin/v1/upload/status-1", nil)
	remote.RemoteAddr = "203.0.113.9:4000"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, remote)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403 for remote abandon, got %d", w.Code)
	}

	local := httptest.NewRequest(http.MethodDelete, "/api/admin/v1/upload/status-1", nil)
	local.RemoteAddr = "127.0.0.1:4000"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, local)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w, _ = do(t, h, multipartRequest(t, map[string]string{
		"dzuuid": "status-1", "dzchunkindex": "0", "dztotalchunkcount": "3",
	}, "a.bin", "x"))
	if w.Code != http.StatusGone {
		t.Errorf("expected status 410 after abandon, got %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	h, _ := setupServer(t, types.RateLimitConfig{RequestsPerSecond: 0.01, Burst: 1})

	if w, _ := do(t, h, multipartRequest(t, nil, "a.txt", "a")); w.Code != http.StatusCreated {
		t.Fatalf("expected first request to pass, got %d", w.Code)
	}
	if w, _ := do(t, h, multipartRequest(t, nil, "b.txt", "b")); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}
