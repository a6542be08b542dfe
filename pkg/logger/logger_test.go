package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNew_TagsService(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "recruit-voice", "production").Info("hello")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["service"] != "recruit-voice" || lines[0]["env"] != "production" {
		t.Fatalf("unexpected log line: %v", lines)
	}
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	if From(context.Background()) == nil {
		t.Fatalf("expected a logger")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := NewWriter(&buf, "recruit-voice", "production")

	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/work", func(c *gin.Context) {
		From(c.Request.Context()).Info("inside")
		c.Status(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)
	if buf.Len() != 0 {
		t.Fatalf("expected health checks below info, got %s", buf.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/work", nil)
	req.Header.Set(headerRequestID, "rid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get(headerRequestID) != "rid-1" {
		t.Fatalf("expected request id to be echoed")
	}

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %v", lines)
	}
	if lines[0]["msg"] != "inside" || lines[0]["request_id"] != "rid-1" {
		t.Fatalf("expected handler log to carry the request id, got %v", lines[0])
	}
	sum := lines[1]
	if sum["level"] != "WARN" || sum["path"] != "/work" || sum["client_ip"] == nil || sum["service"] != "recruit-voice" {
		t.Fatalf("unexpected summary: %v", sum)
	}
}
