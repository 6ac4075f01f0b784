package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stellarlinkco/gitclaw/internal/admission"
	"github.com/stellarlinkco/gitclaw/internal/config"
	"github.com/stellarlinkco/gitclaw/internal/event"
)

const testSecret = "s3cret"

var issuePayload = []byte(`{
	"action": "opened",
	"issue": {"number": 42, "title": "Crash on start", "body": "details"}
}`)

// fakeAdmitter records admitted events and optionally fails, standing in
// for a store outage.
type fakeAdmitter struct {
	events []event.Event
	err    error
}

func (f *fakeAdmitter) OnEvent(ctx context.Context, ev event.Event) (admission.Decision, error) {
	if f.err != nil {
		return admission.Decision{}, f.err
	}
	f.events = append(f.events, ev)
	return admission.Decision{Kind: admission.Admitted, BatchID: "issue-batch-1"}, nil
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(secret string) (*Server, *fakeAdmitter) {
	a := &fakeAdmitter{}
	s := NewServer(config.WebhookConfig{Host: "127.0.0.1", Port: 0, Secret: secret}, a)
	return s, a
}

func deliver(t *testing.T, s *Server, payload []byte, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	req.Header.Set("X-Hub-Signature-256", sign(testSecret, payload))
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	s.handleDelivery(w, req)
	return w
}

func TestValidDelivery(t *testing.T) {
	s, a := newTestServer(testSecret)

	w := deliver(t, s, issuePayload, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if len(a.events) != 1 {
		t.Fatalf("expected 1 admitted event, got %d", len(a.events))
	}
	ev := a.events[0]
	if ev.ID != "issue-delivery-1" {
		t.Fatalf("unexpected event ID: %s", ev.ID)
	}
	if ev.Action != "opened" {
		t.Fatalf("unexpected action: %s", ev.Action)
	}
}

func TestBadSignature(t *testing.T) {
	s, a := newTestServer(testSecret)

	w := deliver(t, s, issuePayload, func(req *http.Request) {
		req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if len(a.events) != 0 {
		t.Fatal("rejected delivery reached admission")
	}
}

func TestMissingSignature(t *testing.T) {
	s, _ := newTestServer(testSecret)

	w := deliver(t, s, issuePayload, func(req *http.Request) {
		req.Header.Del("X-Hub-Signature-256")
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestNoSecretAcceptsUnsigned(t *testing.T) {
	s, a := newTestServer("")

	w := deliver(t, s, issuePayload, func(req *http.Request) {
		req.Header.Del("X-Hub-Signature-256")
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 without a configured secret, got %d", w.Code)
	}
	if len(a.events) != 1 {
		t.Fatal("event did not reach admission")
	}
}

func TestUnsupportedEventType(t *testing.T) {
	s, _ := newTestServer(testSecret)

	payload := []byte(`{"action": "created", "comment": {"body": "hi"}}`)
	w := deliver(t, s, payload, func(req *http.Request) {
		req.Header.Set("X-GitHub-Event", "issue_comment")
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestMissingEventHeader(t *testing.T) {
	s, _ := newTestServer(testSecret)

	w := deliver(t, s, issuePayload, func(req *http.Request) {
		req.Header.Del("X-GitHub-Event")
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(testSecret)

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()
	s.handleDelivery(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestStoreFailureAsksForRedelivery(t *testing.T) {
	s, a := newTestServer(testSecret)
	a.err = errors.New("database is locked")

	w := deliver(t, s, issuePayload, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("a delivery that never became durable must not be acknowledged, got %d", w.Code)
	}
}
