package handler

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequireHTTPS(t *testing.T) {
	_, lb, _ := net.ParseCIDR("10.0.0.0/8")
	h := requireHTTPS([]*net.IPNet{lb})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		remote string
		proto  string
		tls    bool
		want   int
	}{
		{name: "plain http", remote: "10.1.2.3:5000", want: http.StatusUpgradeRequired},
		{name: "direct tls", remote: "203.0.113.9:5000", tls: true, want: http.StatusNoContent},
		{name: "https via trusted proxy", remote: "10.1.2.3:5000", proto: "https", want: http.StatusNoContent},
		{name: "proxy chain header", remote: "10.1.2.3:5000", proto: "HTTPS, http", want: http.StatusNoContent},
		{name: "forged header from client", remote: "203.0.113.9:5000", proto: "https", want: http.StatusUpgradeRequired},
		{name: "http via trusted proxy", remote: "10.1.2.3:5000", proto: "http", want: http.StatusUpgradeRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.RemoteAddr = tt.remote
			if tt.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tt.proto)
			}
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
