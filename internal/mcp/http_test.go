package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"LX-Agent/internal/config"
	xerrors "LX-Agent/internal/errors"
)

func newRemoteStub(t *testing.T, execute http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/execute", execute)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestHTTPAdapterExecute(t *testing.T) {
	var gotAuth string
	server := newRemoteStub(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Operation != "ocr.recognize" {
			t.Errorf("operation = %s", req.Operation)
		}
		json.NewEncoder(w).Encode(executeResponse{
			Status: "ok",
			Result: map[string]any{"text": "识别结果"},
		})
	})

	adapter, err := NewHTTPAdapter(config.ServiceConfig{
		Name:         "cloud_a",
		Endpoint:     server.URL,
		APIKey:       "secret",
		Capabilities: []string{"ocr"},
	})
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !adapter.IsAvailable() {
		t.Fatal("adapter should be available after connect")
	}

	result, err := adapter.Execute(context.Background(), "ocr.recognize", map[string]any{"image": "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result["text"] != "识别结果" {
		t.Fatalf("result = %v", result)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestHTTPAdapterSurfacesRemoteError(t *testing.T) {
	server := newRemoteStub(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(executeResponse{Status: "error", Error: "unsupported"})
	})

	adapter, err := NewHTTPAdapter(config.ServiceConfig{Name: "cloud", Endpoint: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err = adapter.Execute(context.Background(), "x", nil)
	if err == nil {
		t.Fatal("remote errors must surface")
	}
	if got := xerrors.CodeOf(err); got != CodeAdapterExecution {
		t.Fatalf("code = %s, want %s", got, CodeAdapterExecution)
	}
}

func TestHTTPAdapterConnectFailsOnUnhealthyRemote(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	adapter, err := NewHTTPAdapter(config.ServiceConfig{Name: "cloud", Endpoint: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	if err := adapter.Connect(context.Background()); err == nil {
		t.Fatal("Connect must fail when the health check fails")
	}
	if adapter.IsAvailable() {
		t.Fatal("adapter must stay unavailable")
	}
}

func TestHTTPAdapterRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPAdapter(config.ServiceConfig{Name: "cloud"}); err == nil {
		t.Fatal("missing endpoint must be rejected")
	}
}

func TestHTTPAdapterRejectsExecutionWhenDisconnected(t *testing.T) {
	server := newRemoteStub(t, func(w http.ResponseWriter, r *http.Request) {})
	adapter, err := NewHTTPAdapter(config.ServiceConfig{Name: "cloud", Endpoint: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	if _, err := adapter.Execute(context.Background(), "x", nil); err == nil {
		t.Fatal("execution before connect must fail")
	}
}
