// Package command frames outgoing AI commands onto the data channel and
// fans incoming command responses and generic messages out to registered
// observers.
package command

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeGenerate Type = "generate"
	TypeModify   Type = "modify"
	TypeAnalyze  Type = "analyze"
	TypeExport   Type = "export"
)

func (t Type) Valid() bool {
	switch t {
	case TypeGenerate, TypeModify, TypeAnalyze, TypeExport:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Command is one unit of work dispatched to the remote plugin. The local
// side sends it with status pending and observes the remote side's finalized
// copy via the response callback; status transitions are not tracked as a
// local state machine.
type Command struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	ProjectID string         `json:"projectId,omitempty"`
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Status    Status         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Progress  *float64       `json:"progress,omitempty"`
	CreatedAt int64          `json:"createdAt"`
	DoneAt    *int64         `json:"completedAt,omitempty"`
}

// Request is the caller-supplied command body before the dispatcher stamps
// identity and session context onto it.
type Request struct {
	Type      Type
	ProjectID string
	Payload   map[string]any
}

// newCommandID combines the current time with a random suffix so ids stay
// unique within a session without coordination.
func newCommandID(now time.Time) string {
	return fmt.Sprintf("cmd-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
