package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name      string
		env       string
		origin    string
		method    string
		wantAllow string
		wantCode  int
	}{
		{"dev any origin", "dev", "http://elsewhere.test", http.MethodGet, "http://elsewhere.test", http.StatusOK},
		{"prod same host", "prod", "http://example.com", http.MethodGet, "http://example.com", http.StatusOK},
		{"prod foreign host", "prod", "http://evil.test", http.MethodGet, "", http.StatusOK},
		{"prod lookalike host", "prod", "http://example.com.evil.test", http.MethodGet, "", http.StatusOK},
		{"preflight", "dev", "http://a.test", http.MethodOptions, "http://a.test", http.StatusNoContent},
		{"no origin", "prod", "", http.MethodGet, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORS(tt.env))
			r.Handle(tt.method, "/x", func(c *gin.Context) { c.Status(http.StatusOK) })
			req := httptest.NewRequest(tt.method, "http://example.com/x", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(1, 2, ByClientRoute))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// another client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", w.Code)
	}
}

func TestRateLimit_ByChatUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(1, 1, ByChatUser))
	r.GET("/api/v1/chat/rooms", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"alice first", "?username=alice", http.StatusOK},
		{"alice again", "?username=alice", http.StatusTooManyRequests},
		{"bob behind same ip", "?username=bob", http.StatusOK},
		{"anonymous", "", http.StatusOK},
		{"anonymous again", "", http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/rooms"+tt.query, nil)
			req.RemoteAddr = "10.0.0.9:5555"
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestLimiter_Sweep(t *testing.T) {
	l := NewLimiter(1, 1, time.Minute)
	defer l.Stop()
	now := time.Now()
	l.allow("old", now.Add(-2*time.Minute))
	l.allow("fresh", now)
	if left := l.sweep(now); left != 1 {
		t.Errorf("sweep() left %d buckets, want 1", left)
	}
	if _, ok := l.buckets["fresh"]; !ok {
		t.Error("fresh bucket was evicted")
	}
}
