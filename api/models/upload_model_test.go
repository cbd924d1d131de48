package models

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newContext(req *http.Request) *gin.Context {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = req
	return c
}

func TestDetectConvention(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		headers map[string]string
		want    Convention
	}{
		{"plain", "/upload", nil, ConventionNone},
		{"resumable", "/upload?resumableChunkNumber=1", nil, ConventionResumable},
		{"flow", "/upload?flowChunkNumber=3", nil, ConventionResumable},
		{"dropzone", "/upload?dzuuid=x&dzchunkindex=0", nil, ConventionDropzone},
		{"headers", "/upload", map[string]string{HeaderChunkIdx: "0"}, ConventionHeaders},
		{"last only", "/upload", map[string]string{HeaderChunkLast: "1"}, ConventionHeaders},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := DetectConvention(newContext(req)); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParseChunkMeta_FlowIsOneBased(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet,
		"/upload?flowChunkNumber=3&flowTotalChunks=4&flowIdentifier=abc&flowTotalSize=100", nil)
	meta, err := ParseChunkMeta(newContext(req), ConventionResumable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *meta.Index != 2 || *meta.Total != 4 || meta.UploadID != "abc" || meta.TotalSize != 100 {
		t.Errorf("unexpected meta %+v", meta)
	}
}

func TestParseChunkMeta_Headers(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/upload", nil)
	req.Header.Set(HeaderUploadID, "up")
	req.Header.Set(HeaderChunkIdx, "7")
	req.Header.Set(HeaderChunkLast, "true")
	req.Header.Set(HeaderSHA256, "ff")
	meta, err := ParseChunkMeta(newContext(req), ConventionHeaders)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *meta.Index != 7 || meta.Total != nil || !meta.IsLast || meta.SHA256 != "ff" {
		t.Errorf("unexpected meta %+v", meta)
	}

	req.Header.Set(HeaderChunkTot, "many")
	if _, err := ParseChunkMeta(newContext(req), ConventionHeaders); err == nil {
		t.Error("expected an error for a non-numeric total")
	}
}
