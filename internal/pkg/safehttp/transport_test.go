package safehttp

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewTransport_RejectsLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client := &http.Client{Transport: NewTransport()}
	resp, err := client.Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected loopback dial to be rejected")
	}
	if !strings.Contains(err.Error(), "access to private IP") {
		t.Errorf("error = %v, want private IP rejection", err)
	}
}

func TestCheckRemote(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{"127.0.0.1:80", true},
		{"10.1.2.3:443", true},
		{"192.168.0.10:443", true},
		{"169.254.169.254:80", true},
		{"[::1]:443", true},
		{"0.0.0.0:80", true},
		{"8.8.8.8:443", false},
		{"[2001:4860:4860::8888]:443", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			addr, err := net.ResolveTCPAddr("tcp", tt.addr)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if err := checkRemote(addr); (err != nil) != tt.wantErr {
				t.Errorf("checkRemote(%s) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
		})
	}
}
