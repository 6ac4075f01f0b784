// Package webhook is the bot-mode ingestion gateway: it receives platform
// webhook deliveries, verifies their signature, normalizes them, and runs
// them through admission before acknowledging.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/gitclaw/internal/admission"
	"github.com/stellarlinkco/gitclaw/internal/config"
	"github.com/stellarlinkco/gitclaw/internal/event"
)

// Admitter runs one normalized delivery through the admission pipeline.
// The handler acknowledges a delivery only after OnEvent returns, so the
// pending record is durable before the platform is told it succeeded.
type Admitter interface {
	OnEvent(ctx context.Context, ev event.Event) (admission.Decision, error)
}

type Server struct {
	cfg    config.WebhookConfig
	admit  Admitter
	server *http.Server
	cancel context.CancelFunc
	now    func() time.Time
}

func NewServer(cfg config.WebhookConfig, admit Admitter) *Server {
	return &Server{cfg: cfg, admit: admit, now: time.Now}
}

func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleDelivery)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: mux,
	}

	go func() {
		log.Printf("[webhook] listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[webhook] server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.server.Close()
	}()

	return nil
}

func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server != nil {
		s.server.Close()
	}
	log.Printf("[webhook] stopped")
	return nil
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	if !verifySignature(s.cfg.Secret, payload, r.Header.Get("X-Hub-Signature-256")) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventName := r.Header.Get("X-GitHub-Event")
	if eventName == "" {
		http.Error(w, "missing X-GitHub-Event header", http.StatusBadRequest)
		return
	}
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	ev, err := event.Normalize(eventName, deliveryID, payload, s.now())
	if err != nil {
		log.Printf("[webhook] unsupported delivery: %v", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	decision, err := s.admit.OnEvent(r.Context(), ev)
	if err != nil {
		// The pending record never landed. Tell the platform to redeliver;
		// dedup makes the redelivery harmless once the store is back.
		log.Printf("[webhook] admission failed for %s: %v", ev.ID, err)
		http.Error(w, "event not recorded", http.StatusInternalServerError)
		return
	}

	log.Printf("[webhook] event %s: %s (%s)", ev.ID, decision.Kind, decision.Reason)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, decision.Kind)
}

func verifySignature(secret string, payload []byte, signature string) bool {
	if secret == "" {
		// No secret configured: accept, matching single-tenant action mode.
		return true
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	received := strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(expected), []byte(received))
}
