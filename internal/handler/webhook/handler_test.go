package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	webhookService "github.com/zhouzirui/session-gateway/internal/service/webhook"
)

func setupRouter(t *testing.T) (*chi.Mux, *webhookService.Engine) {
	t.Helper()
	engine := webhookService.New(webhookService.Config{}, nil, nil)
	r := chi.NewRouter()
	New(engine).RegisterRoutes(r)
	return r, engine
}

func do(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestSessionWebhookLifecycle(t *testing.T) {
	r, engine := setupRouter(t)

	if resp := do(r, http.MethodGet, "/sessions/s1/webhook", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before configure, got %d", resp.Code)
	}

	resp := do(r, http.MethodPut, "/sessions/s1/webhook", `{"url":"http://example.com/hook","events":["Message-Received","message-read"]}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var got subscriptionResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if got.Key != "s1" || got.URL != "http://example.com/hook" {
		t.Fatalf("unexpected subscription %+v", got)
	}
	if len(got.Events) != 2 || got.Events[0] != "message-read" || got.Events[1] != "message-received" {
		t.Fatalf("events not normalized: %v", got.Events)
	}

	if resp := do(r, http.MethodGet, "/sessions/s1/webhook", ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 after configure, got %d", resp.Code)
	}
	if sub, ok := engine.Resolve("s1"); !ok || sub.Key != "s1" {
		t.Fatalf("engine did not pick up subscription: %+v", sub)
	}

	if resp := do(r, http.MethodDelete, "/sessions/s1/webhook", ""); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if _, ok := engine.Resolve("s1"); ok {
		t.Fatal("subscription should be gone")
	}
}

func TestGlobalWebhookAndList(t *testing.T) {
	r, _ := setupRouter(t)

	if resp := do(r, http.MethodPut, "/webhook", `{"url":"https://example.com/all"}`); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	do(r, http.MethodPut, "/sessions/s1/webhook", `{"url":"https://example.com/s1"}`)

	resp := do(r, http.MethodGet, "/webhooks", "")
	var list []subscriptionResponse
	json.Unmarshal(resp.Body.Bytes(), &list)
	if len(list) != 2 || list[0].Key != "global" || list[1].Key != "s1" {
		t.Fatalf("unexpected list %+v", list)
	}
	if len(list[0].Events) != 1 || list[0].Events[0] != "all" {
		t.Fatalf("empty filter should become all, got %v", list[0].Events)
	}

	if resp := do(r, http.MethodPut, "/webhook", `{"url":""}`); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 when clearing url, got %d", resp.Code)
	}
	if resp := do(r, http.MethodGet, "/webhook", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after clearing, got %d", resp.Code)
	}
}

func TestWebhookValidation(t *testing.T) {
	r, _ := setupRouter(t)

	tests := []struct {
		name   string
		target string
		body   string
	}{
		{"bad scheme", "/sessions/s1/webhook", `{"url":"ftp://example.com"}`},
		{"relative url", "/sessions/s1/webhook", `{"url":"/hook"}`},
		{"unknown event", "/sessions/s1/webhook", `{"url":"http://example.com","events":["nope"]}`},
		{"reserved session id", "/sessions/global/webhook", `{"url":"http://example.com"}`},
		{"malformed body", "/webhook", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := do(r, http.MethodPut, tt.target, tt.body); resp.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", resp.Code, resp.Body.String())
			}
		})
	}
}
