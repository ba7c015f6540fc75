// Package broadcast provides per-trip ordered fan-out of workflow events to
// every subscribed client connection.
package broadcast

import "time"

// Event types delivered to clients. One flat JSON object per event, field
// names matching what the web client consumes.
const (
	TypePing             = "ping"
	TypeUser             = "user"
	TypeAI               = "ai"
	TypeAgentStatus      = "agent_status"
	TypePhaseReadyUpdate = "phase_ready_update"
	TypeVoting           = "voting"
	TypeVoteUpdate       = "vote_update"
	TypePhaseUpdate      = "phase_update"
	TypeNavigateToChat   = "navigate_to_chat"
)

// Option is one votable choice with its live standing.
type Option struct {
	Value  string   `json:"value"`
	Label  string   `json:"label"`
	Votes  int      `json:"votes"`
	Voters []string `json:"voters"`
}

// Event is one broadcast message. Seq is assigned by the hub at publish time
// and is strictly increasing per trip.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Chat fields
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Content    string `json:"content,omitempty"`

	// Agent task lifecycle
	AgentName      string   `json:"agent_name,omitempty"`
	Status         string   `json:"status,omitempty"`
	Step           string   `json:"step,omitempty"`
	Progress       *float64 `json:"progress,omitempty"`
	ElapsedSeconds *float64 `json:"elapsed_seconds,omitempty"`

	// Phase and readiness
	Phase         string   `json:"phase,omitempty"`
	PreviousPhase string   `json:"previous_phase,omitempty"`
	UsersReady    []string `json:"users_ready,omitempty"`
	TotalUsers    int      `json:"total_users,omitempty"`
	AllReady      bool     `json:"all_ready,omitempty"`

	// Voting
	Options []Option `json:"options,omitempty"`
	Winner  string   `json:"winner,omitempty"`

	// Error detail for agent_status error events
	Error string `json:"error,omitempty"`
}
