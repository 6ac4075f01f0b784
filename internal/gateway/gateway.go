// Package gateway wires the admission pipeline together and runs the two
// delivery modes: a single-shot action invocation and a long-running
// webhook bot.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/stellarlinkco/gitclaw/internal/admission"
	"github.com/stellarlinkco/gitclaw/internal/config"
	"github.com/stellarlinkco/gitclaw/internal/dispatch"
	"github.com/stellarlinkco/gitclaw/internal/engine"
	"github.com/stellarlinkco/gitclaw/internal/event"
	"github.com/stellarlinkco/gitclaw/internal/ledger"
	"github.com/stellarlinkco/gitclaw/internal/notify"
	"github.com/stellarlinkco/gitclaw/internal/ratelimit"
	"github.com/stellarlinkco/gitclaw/internal/retention"
	"github.com/stellarlinkco/gitclaw/internal/store"
	"github.com/stellarlinkco/gitclaw/internal/webhook"
)

// Options for creating a Gateway.
type Options struct {
	EngineFactory engine.Factory
	SignalChan    chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	store      *store.Store
	ledger     *ledger.Ledger
	limiter    *ratelimit.Limiter
	controller *admission.Controller
	dispatcher *dispatch.Dispatcher
	agent      *engine.AgentEngine
	webhook    *webhook.Server
	retention  *retention.Service
	notifier   *notify.Notifier
	signalChan chan os.Signal // for testing
}

// NoEngine is an engine factory for maintenance commands that never
// dispatch. Any dispatch attempt reports the engine as unavailable.
func NoEngine(cfg *config.Config) (engine.Runtime, error) {
	return nil, nil
}

// New creates a Gateway with default options.
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg}

	dbPath := cfg.Store.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "gitclaw.db")
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	g.ledger = ledger.New(st)
	g.limiter = ratelimit.New(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
	g.notifier = notify.NewNotifier(cfg.Notify)

	factory := opts.EngineFactory
	if factory == nil {
		factory = engine.DefaultFactory
	}
	rt, err := factory(cfg)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create engine runtime: %w", err)
	}
	g.agent = engine.NewAgentEngine(rt, cfg.Engine.CostPerKiloToken)

	eventTimeout, err := time.ParseDuration(cfg.Engine.EventTimeout)
	if err != nil || eventTimeout <= 0 {
		eventTimeout = 5 * time.Minute
	}
	g.dispatcher = dispatch.New(st, g.ledger, g.agent, eventTimeout)

	g.controller = admission.New(cfg, st, g.ledger, g.limiter, &dispatcherAdapter{d: g.dispatcher}, g.notifier)

	g.retention = retention.NewService(cfg.Retention, st, g.notifier)
	// Deliveries are admitted synchronously in the handler so the platform
	// is only acknowledged once the pending record is durable.
	g.webhook = webhook.NewServer(cfg.Webhook, g.controller)

	g.signalChan = opts.SignalChan

	return g, nil
}

// dispatcherAdapter narrows the dispatcher to what admission needs.
// Per-event outcomes are already persisted by the dispatcher; admission
// only cares whether the batch as a whole was attempted.
type dispatcherAdapter struct {
	d *dispatch.Dispatcher
}

func (a *dispatcherAdapter) Dispatch(ctx context.Context, batch []event.Event) error {
	_, err := a.d.Dispatch(ctx, batch)
	return err
}

// reconcile handles stale state from a previous process: in-flight records
// are marked failed since their outcome was never confirmed, and surviving
// pending work is re-admitted into fresh batch windows.
func (g *Gateway) reconcile(ctx context.Context) error {
	n, err := g.store.ReconcileInFlight("unconfirmed after restart", time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reconcile in-flight: %w", err)
	}
	if n > 0 {
		log.Printf("[gateway] marked %d in-flight records failed after restart", n)
	}
	if err := g.controller.Readmit(ctx); err != nil {
		return fmt.Errorf("readmit pending: %w", err)
	}
	return nil
}

// RunAction is the single-shot mode: load one delivery from a payload
// file, run it through admission, flush whatever window it landed in,
// and wait for the dispatch to finish.
func (g *Gateway) RunAction(ctx context.Context, eventPath string) error {
	defer g.Shutdown()

	payload, err := os.ReadFile(eventPath)
	if err != nil {
		return fmt.Errorf("read event payload: %w", err)
	}
	eventName := os.Getenv("GITHUB_EVENT_NAME")
	if eventName == "" {
		eventName = peekEventName(payload)
	}
	deliveryID := os.Getenv("GITHUB_DELIVERY")

	if err := g.reconcile(ctx); err != nil {
		return err
	}

	ev, err := event.Normalize(eventName, deliveryID, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("normalize delivery: %w", err)
	}

	decision, err := g.controller.OnEvent(ctx, ev)
	if err != nil {
		return err
	}
	log.Printf("[gateway] event %s: %s (%s)", ev.ID, decision.Kind, decision.Reason)

	g.controller.Flush(ctx)
	g.controller.Wait()
	return nil
}

// RunBot is the long-running mode: webhook server, batch window flusher,
// deferred sweeps, and scheduled retention, until a shutdown signal.
func (g *Gateway) RunBot(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.reconcile(ctx); err != nil {
		return err
	}

	if err := g.webhook.Start(ctx); err != nil {
		return fmt.Errorf("start webhook server: %w", err)
	}
	if err := g.retention.Start(ctx); err != nil {
		return fmt.Errorf("start retention: %w", err)
	}

	go g.controller.Run(ctx)

	log.Printf("[gateway] bot running on %s:%d", g.cfg.Webhook.Host, g.cfg.Webhook.Port)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	cancel()
	return g.Shutdown()
}

// Status is a point-in-time operational snapshot.
type Status struct {
	Counts            map[store.Status]int   `json:"counts"`
	HourlyRate        float64                `json:"hourlyRate"`
	TotalSpend        float64                `json:"totalSpend"`
	SpendByType       map[event.Type]float64 `json:"spendByType"`
	LimiterSaturation float64                `json:"limiterSaturation"`
}

func (g *Gateway) Status() (Status, error) {
	counts, err := g.store.CountByStatus()
	if err != nil {
		return Status{}, err
	}
	hourly, err := g.ledger.HourlyRate()
	if err != nil {
		return Status{}, err
	}
	total, err := g.ledger.TotalSpend()
	if err != nil {
		return Status{}, err
	}
	byType, err := g.ledger.SpendByType(time.Hour)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Counts:            counts,
		HourlyRate:        hourly,
		TotalSpend:        total,
		SpendByType:       byType,
		LimiterSaturation: g.limiter.Saturation(),
	}, nil
}

// RunSweep triggers one retention sweep immediately.
func (g *Gateway) RunSweep() {
	g.retention.RunSweep()
}

func (g *Gateway) Shutdown() error {
	g.controller.Wait()
	g.retention.Stop()
	_ = g.webhook.Stop()
	if g.agent != nil {
		g.agent.Close()
	}
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

// peekEventName recovers the event name from payloads that embed it, for
// runs where the environment does not provide one.
func peekEventName(payload []byte) string {
	var probe struct {
		EventName string `json:"event_name"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.EventName
}
