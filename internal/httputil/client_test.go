package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"scopeflow/internal/errkind"
)

func TestDoMapsTransportFailureToNetwork(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	_, err = Do(context.Background(), NewClient(time.Second), req)
	if err == nil {
		t.Fatalf("expected error for closed server")
	}
	if !errkind.IsKind(err, errkind.Network) {
		t.Fatalf("kind = %s, want network", errkind.KindOf(err))
	}
}

func TestDoTimeoutBecomesNetwork(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	_, err = Do(context.Background(), NewClient(20*time.Millisecond), req)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errkind.IsKind(err, errkind.Network) {
		t.Fatalf("kind = %s, want network", errkind.KindOf(err))
	}
}

func TestReadErrorBodyIsBounded(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 10000)))
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := Do(context.Background(), NewClient(time.Second), req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	body := ReadErrorBody(resp)
	if len(body) > 4096 {
		t.Fatalf("error body not bounded: %d bytes", len(body))
	}
}
