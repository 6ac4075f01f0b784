package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// webhook event names differ from the normalized type names ("issues" vs
// "issue"); the hosting platform's taxonomy stops at this file.
var webhookTypes = map[string]Type{
	"issues":       TypeIssue,
	"issue":        TypeIssue,
	"pull_request": TypePullRequest,
	"discussion":   TypeDiscussion,
}

type subjectPayload struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

type rawPayload struct {
	EventName   string          `json:"event_name"`
	Action      string          `json:"action"`
	Issue       *subjectPayload `json:"issue"`
	PullRequest *subjectPayload `json:"pull_request"`
	Discussion  *subjectPayload `json:"discussion"`
}

// Normalize converts a raw webhook/action payload into an Event. eventName is
// the platform's event header (X-GitHub-Event or event_name in the payload);
// deliveryID, when non-empty, becomes part of the dedup key so re-deliveries
// of the same delivery collapse while distinct deliveries for the same
// subject do not.
func Normalize(eventName string, deliveryID string, payload []byte, receivedAt time.Time) (Event, error) {
	var raw rawPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("parse event payload: %w", err)
	}

	name := strings.TrimSpace(eventName)
	if name == "" {
		name = strings.TrimSpace(raw.EventName)
	}
	typ, ok := webhookTypes[name]
	if !ok {
		return Event{}, fmt.Errorf("unsupported event type: %q", name)
	}

	subject := raw.Issue
	switch typ {
	case TypePullRequest:
		subject = raw.PullRequest
	case TypeDiscussion:
		subject = raw.Discussion
	}
	if subject == nil {
		return Event{}, fmt.Errorf("event %q missing %s payload", name, typ)
	}

	id := fmt.Sprintf("%s-%d", typ, subject.Number)
	if deliveryID != "" {
		id = fmt.Sprintf("%s-%s", typ, deliveryID)
	}

	summary := strings.TrimSpace(subject.Title)
	if body := strings.TrimSpace(subject.Body); body != "" {
		if summary != "" {
			summary += "\n\n"
		}
		summary += body
	}

	return Event{
		ID:             id,
		Type:           typ,
		Action:         strings.TrimSpace(raw.Action),
		SubjectID:      fmt.Sprintf("%s-%d", typ, subject.Number),
		PayloadSummary: summary,
		TokenEstimate:  EstimateTokens(summary),
		ReceivedAt:     receivedAt,
	}, nil
}
