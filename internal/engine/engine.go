// Package engine runs admitted events on an agentsdk-go runtime and reports
// realized cost back to the dispatcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/gitclaw/internal/config"
	"github.com/stellarlinkco/gitclaw/internal/dispatch"
	"github.com/stellarlinkco/gitclaw/internal/event"
)

// Runtime interface for the agent runtime (allows mocking in tests)
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

// runtimeAdapter wraps api.Runtime to implement Runtime interface
type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// Factory creates a Runtime instance
type Factory func(cfg *config.Config) (Runtime, error)

// DefaultFactory creates the default agentsdk-go runtime
func DefaultFactory(cfg *config.Config) (Runtime, error) {
	if cfg.Engine.APIKey == "" {
		return nil, fmt.Errorf("API key not set. Set GITCLAW_API_KEY or ANTHROPIC_API_KEY")
	}

	var provider api.ModelFactory
	switch cfg.Engine.Provider {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Engine.APIKey,
			BaseURL:   cfg.Engine.BaseURL,
			ModelName: cfg.Engine.Model,
			MaxTokens: cfg.Engine.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Engine.APIKey,
			BaseURL:   cfg.Engine.BaseURL,
			ModelName: cfg.Engine.Model,
			MaxTokens: cfg.Engine.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:  cfg.Engine.Workspace,
		ModelFactory: provider,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// AgentEngine implements dispatch.Engine on top of an agentsdk-go runtime.
// Each event becomes one runtime invocation; realized cost is derived from
// the reported token usage.
type AgentEngine struct {
	runtime          Runtime
	costPerKiloToken float64
}

func NewAgentEngine(runtime Runtime, costPerKiloToken float64) *AgentEngine {
	if costPerKiloToken <= 0 {
		costPerKiloToken = config.DefaultCostPerKiloToken
	}
	return &AgentEngine{runtime: runtime, costPerKiloToken: costPerKiloToken}
}

func (e *AgentEngine) Execute(ctx context.Context, batch []event.Event) ([]dispatch.Outcome, error) {
	if e.runtime == nil {
		return nil, dispatch.ErrEngineUnavailable
	}

	outcomes := make([]dispatch.Outcome, 0, len(batch))
	for _, ev := range batch {
		resp, err := e.runtime.Run(ctx, api.Request{
			Prompt:    buildPrompt(ev),
			SessionID: ev.SubjectID,
		})
		if err != nil {
			if ctx.Err() == nil && transportFailure(err) {
				// The backend was never reached, so the rest of the batch
				// must go back to pending instead of being marked failed.
				return outcomes, fmt.Errorf("%w: run %s: %v", dispatch.ErrEngineUnavailable, ev.ID, err)
			}
			return outcomes, fmt.Errorf("run %s: %w", ev.ID, err)
		}
		tokens := 0
		if resp != nil && resp.Result != nil {
			usage := resp.Result.Usage
			tokens = usage.TotalTokens
			if tokens == 0 {
				tokens = usage.InputTokens + usage.OutputTokens
			}
		}
		outcomes = append(outcomes, dispatch.Outcome{
			EventID: ev.ID,
			Success: true,
			Cost:    float64(tokens) / 1000.0 * e.costPerKiloToken,
			Tokens:  tokens,
		})
	}
	return outcomes, nil
}

// transportFailure reports whether err means the backend could not be
// reached at all (connection refused, DNS failure, unreachable network),
// as opposed to a request that ran and failed.
func transportFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

func (e *AgentEngine) Close() {
	if e.runtime != nil {
		e.runtime.Close()
	}
}

func buildPrompt(ev event.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "A %s was %s (%s).\n\n", describeType(ev.Type), ev.Action, ev.SubjectID)
	if summary := strings.TrimSpace(ev.PayloadSummary); summary != "" {
		sb.WriteString(summary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Investigate and take the appropriate action.")
	return sb.String()
}

func describeType(t event.Type) string {
	switch t {
	case event.TypePullRequest:
		return "pull request"
	case event.TypeDiscussion:
		return "discussion"
	default:
		return "issue"
	}
}
