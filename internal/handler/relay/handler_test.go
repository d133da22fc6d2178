package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/markchat/backend/internal/config"
	relayService "github.com/zhouzirui/markchat/backend/internal/service/relay"
)

type backendCall struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

func setupRouter(t *testing.T, backend http.HandlerFunc, chunkSize int) (*chi.Mux, *[]backendCall) {
	t.Helper()

	calls := &[]backendCall{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call backendCall
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &call)
		*calls = append(*calls, call)
		backend(w, r)
	}))
	t.Cleanup(upstream.Close)

	cfg := config.DefaultRelayConfig()
	cfg.BackendURL = upstream.URL
	cfg.ChunkSize = chunkSize

	r := chi.NewRouter()
	New(relayService.NewService(cfg, upstream.Client())).RegisterRoutes(r)
	return r, calls
}

func postMessages(r http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, Path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestRelayStreamsAnswer(t *testing.T) {
	r, calls := setupRouter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"answer":"hello world"}`))
	}, 3)

	body := `{"messages":[{"role":"user","content":"hi there"}],"model":"gpt-4o-mini","temperature":0.7}`
	resp := postMessages(r, body, map[string]string{SessionHeader: "chat-1"})

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/markdown; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if resp.Body.String() != "hello world" {
		t.Fatalf("unexpected body %q", resp.Body.String())
	}
	if len(*calls) != 1 || (*calls)[0].SessionID != "chat-1" || (*calls)[0].Question != "hi there" {
		t.Fatalf("unexpected backend calls %+v", *calls)
	}
}

func TestRelayBackendErrorStays200(t *testing.T) {
	r, _ := setupRouter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal Server Error"))
	}, 512)

	resp := postMessages(r, `{"messages":[{"role":"user","content":"q"}]}`, nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Body.String() != "❌ Error 500: Internal Server Error" {
		t.Fatalf("unexpected body %q", resp.Body.String())
	}
}

func TestRelayRejectsEmptyHistoryInBand(t *testing.T) {
	r, calls := setupRouter(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("backend must not be called")
	}, 512)

	for _, body := range []string{`{}`, `{"messages":[]}`, `{"messages":[{"role":"assistant","content":"x"}]}`, `not json`} {
		resp := postMessages(r, body, nil)
		if resp.Code != http.StatusOK {
			t.Fatalf("body %s: expected 200, got %d", body, resp.Code)
		}
		if !relayService.IsFailure(resp.Body.String()) {
			t.Fatalf("body %s: expected in-band failure, got %q", body, resp.Body.String())
		}
	}
	if len(*calls) != 0 {
		t.Fatalf("unexpected backend calls %+v", *calls)
	}
}

func TestRelayGeneratesSessionID(t *testing.T) {
	r, calls := setupRouter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"answer":"ok"}`))
	}, 512)

	postMessages(r, `{"messages":[{"role":"user","content":"q"}]}`, nil)

	if len(*calls) != 1 || len((*calls)[0].SessionID) <= len("web-") || (*calls)[0].SessionID[:4] != "web-" {
		t.Fatalf("expected generated web session id, got %+v", *calls)
	}
}

func TestRelayDescribe(t *testing.T) {
	r, _ := setupRouter(t, func(w http.ResponseWriter, _ *http.Request) {}, 512)

	req := httptest.NewRequest(http.MethodGet, Path, nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var desc relayService.Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if !desc.Streaming || desc.Endpoint != Path || desc.ChunkSize != 512 || desc.LocalAPI == "" {
		t.Fatalf("unexpected descriptor %+v", desc)
	}
}
