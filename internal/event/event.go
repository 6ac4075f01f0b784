package event

import (
	"fmt"
	"strings"
	"time"
)

// Type is the closed set of collaboration event kinds the engine handles.
type Type string

const (
	TypeIssue       Type = "issue"
	TypePullRequest Type = "pull_request"
	TypeDiscussion  Type = "discussion"
)

// Types lists all known types in lexicographic order.
func Types() []Type {
	return []Type{TypeDiscussion, TypeIssue, TypePullRequest}
}

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case TypeIssue, TypePullRequest, TypeDiscussion:
		return true
	}
	return false
}

// Event is one unit of external activity, normalized by the ingestion
// gateway. It is read-only after creation.
type Event struct {
	ID             string
	Type           Type
	Action         string
	SubjectID      string
	PayloadSummary string
	TokenEstimate  int
	ReceivedAt     time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("%s/%s %s (subject %s, ~%d tokens)", e.Type, e.Action, e.ID, e.SubjectID, e.TokenEstimate)
}

// EstimateTokens approximates processing cost from payload text. Whitespace
// word count is a deliberate proxy; the realized cost comes back from the
// execution engine after dispatch.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}
