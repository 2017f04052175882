package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/session-gateway/internal/driver/sim"
	"github.com/zhouzirui/session-gateway/internal/model/message"
	model "github.com/zhouzirui/session-gateway/internal/model/session"
	sessionService "github.com/zhouzirui/session-gateway/internal/service/session"
	"github.com/zhouzirui/session-gateway/internal/service/store"
)

type testEnv struct {
	router  *chi.Mux
	svc     *sessionService.Service
	factory *sim.Factory
}

func setupRouter(t *testing.T) *testEnv {
	t.Helper()
	blobs, err := store.NewFileBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBlobStore err: %v", err)
	}
	st := store.New(store.Config{}, blobs)
	factory := sim.NewFactory(sim.Options{})
	svc := sessionService.New(factory, st, sessionService.Options{})
	t.Cleanup(func() { svc.Shutdown(context.Background()) })

	r := chi.NewRouter()
	New(svc, st, 1<<20).RegisterRoutes(r)
	return &testEnv{router: r, svc: svc, factory: factory}
}

func (e *testEnv) do(method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func (e *testEnv) waitState(t *testing.T, id string, want model.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, err := e.svc.GetStatus(id); err == nil && snap.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s", id, want)
}

func (e *testEnv) connect(t *testing.T, id string) {
	t.Helper()
	resp := e.do(http.MethodPost, "/sessions", []byte(`{"id":"`+id+`"}`), "application/json")
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	e.waitState(t, id, model.StatePairingRequired)
	drv, _ := e.factory.Driver(id)
	drv.ConfirmPairing()
	drv.Ready()
	e.waitState(t, id, model.StateConnected)
}

func TestCreateSession(t *testing.T) {
	env := setupRouter(t)

	resp := env.do(http.MethodPost, "/sessions", []byte(`{"id":"s1"}`), "application/json")
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	var snap model.Session
	json.Unmarshal(resp.Body.Bytes(), &snap)
	if snap.ID != "s1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if resp := env.do(http.MethodPost, "/sessions", []byte(`{"id":"s1"}`), "application/json"); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", resp.Code)
	}
	if resp := env.do(http.MethodPost, "/sessions", []byte(`{"id":"a/b"}`), "application/json"); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid id, got %d", resp.Code)
	}
	if resp := env.do(http.MethodPost, "/sessions", []byte(`{}`), "application/json"); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing id, got %d", resp.Code)
	}
}

func TestStatusListAndQR(t *testing.T) {
	env := setupRouter(t)

	if resp := env.do(http.MethodGet, "/sessions/missing", nil, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	resp := env.do(http.MethodGet, "/sessions", nil, "")
	if resp.Code != http.StatusOK || bytes.TrimSpace(resp.Body.Bytes())[0] != '[' {
		t.Fatalf("expected empty array, got %d %s", resp.Code, resp.Body.String())
	}

	env.do(http.MethodPost, "/sessions", []byte(`{"id":"s1"}`), "application/json")
	env.waitState(t, "s1", model.StatePairingRequired)

	resp = env.do(http.MethodGet, "/sessions/s1/qr", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var qr sessionService.Challenge
	json.Unmarshal(resp.Body.Bytes(), &qr)
	if qr.SessionID != "s1" || qr.Challenge == "" || qr.QR == "" {
		t.Fatalf("unexpected qr payload %+v", qr)
	}

	var list []model.Session
	json.Unmarshal(env.do(http.MethodGet, "/sessions", nil, "").Body.Bytes(), &list)
	if len(list) != 1 || list[0].ID != "s1" || !list[0].HasPairingChallenge {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestSendMessageStatusCodes(t *testing.T) {
	env := setupRouter(t)
	body := []byte(`{"recipient":"123","body":"hi"}`)

	if resp := env.do(http.MethodPost, "/sessions/missing/messages", body, "application/json"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	env.do(http.MethodPost, "/sessions", []byte(`{"id":"s1"}`), "application/json")
	env.waitState(t, "s1", model.StatePairingRequired)
	if resp := env.do(http.MethodPost, "/sessions/s1/messages", body, "application/json"); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 while pairing, got %d", resp.Code)
	}

	drv, _ := env.factory.Driver("s1")
	drv.ConfirmPairing()
	drv.Ready()
	env.waitState(t, "s1", model.StateConnected)

	resp := env.do(http.MethodPost, "/sessions/s1/messages", body, "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var res sessionService.SendResult
	json.Unmarshal(resp.Body.Bytes(), &res)
	if res.MessageID == "" {
		t.Fatal("expected message id")
	}

	var msgs []message.Message
	json.Unmarshal(env.do(http.MethodGet, "/sessions/s1/messages?limit=5", nil, "").Body.Bytes(), &msgs)
	if len(msgs) != 1 || msgs[0].ID != res.MessageID || msgs[0].To != "123@c.us" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if resp := env.do(http.MethodGet, "/sessions/s1/messages?limit=x", nil, ""); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.Code)
	}
}

func TestSendMediaMultipartAndDownload(t *testing.T) {
	env := setupRouter(t)
	env.connect(t, "s1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("recipient", "123")
	mw.WriteField("caption", "invoice")
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="media"; filename="invoice.pdf"`)
	hdr.Set("Content-Type", "application/pdf")
	part, _ := mw.CreatePart(hdr)
	part.Write([]byte("%PDF-1.4 test"))
	mw.Close()

	resp := env.do(http.MethodPost, "/sessions/s1/media", buf.Bytes(), mw.FormDataContentType())
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var msgs []message.Message
	json.Unmarshal(env.do(http.MethodGet, "/sessions/s1/messages", nil, "").Body.Bytes(), &msgs)
	if len(msgs) != 1 || msgs[0].Media == nil || msgs[0].Caption != "invoice" {
		t.Fatalf("unexpected media message %+v", msgs)
	}

	resp = env.do(http.MethodGet, "/media/"+msgs[0].Media.StorageRef, nil, "")
	if resp.Code != http.StatusOK || resp.Body.String() != "%PDF-1.4 test" {
		t.Fatalf("unexpected download %d %q", resp.Code, resp.Body.String())
	}
	if ct := resp.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if resp := env.do(http.MethodGet, "/media/s1/missing.pdf", nil, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing media, got %d", resp.Code)
	}
}

func TestSendMediaJSON(t *testing.T) {
	env := setupRouter(t)
	env.connect(t, "s1")

	payload, _ := json.Marshal(map[string]any{
		"recipient": "123",
		"mediaRef": map[string]string{
			"data":     base64.StdEncoding.EncodeToString([]byte("png")),
			"mimeType": "image/png",
		},
	})
	if resp := env.do(http.MethodPost, "/sessions/s1/media", payload, "application/json"); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	empty := []byte(`{"recipient":"123","mediaRef":{}}`)
	if resp := env.do(http.MethodPost, "/sessions/s1/media", empty, "application/json"); resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.Code)
	}
}

func TestLogout(t *testing.T) {
	env := setupRouter(t)
	env.do(http.MethodPost, "/sessions", []byte(`{"id":"s1"}`), "application/json")

	if resp := env.do(http.MethodPost, "/sessions/s1/logout", nil, ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp := env.do(http.MethodPost, "/sessions/s1/logout", nil, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second logout, got %d", resp.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		sessionService.ErrNotFound:                           http.StatusNotFound,
		sessionService.ErrNotConnected:                       http.StatusConflict,
		sessionService.ErrUnsupportedMediaSource:             http.StatusUnsupportedMediaType,
		&sessionService.DriverError{Err: errors.New("boom")}: http.StatusBadGateway,
		errors.New("unexpected"):                             http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := StatusFor(err); got != want {
			t.Fatalf("StatusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
