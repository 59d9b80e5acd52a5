package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	TopicRequestResolvedV1 = "governance.request.resolved.v1"
	EventVersionV1         = 1
)

// RequestResolvedV1 is published after a request's compare-and-swap
// transition commits. Consumers (notifiers, audit sinks) run
// asynchronously; delivery never affects the committed resolution.
type RequestResolvedV1 struct {
	EventID        uuid.UUID  `json:"event_id"`
	EventVersion   int        `json:"event_version"`
	RequestID      uuid.UUID  `json:"request_id"`
	ServiceID      uuid.UUID  `json:"service_id"`
	TargetTeamID   uuid.UUID  `json:"target_team_id"`
	Status         string     `json:"status"`
	ApprovedTeamID *uuid.UUID `json:"approved_team_id,omitempty"`
	ResolvedAt     time.Time  `json:"resolved_at"`
}
