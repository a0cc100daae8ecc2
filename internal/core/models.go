package core

import "time"

type EventType string

const (
	EventAgentRegistered EventType = "agent.registered"
	EventAgentAssigned   EventType = "agent.assigned"
	EventAgentStatus     EventType = "agent.status"
	EventContextCreated  EventType = "context.created"
)

// RegistrationStatus tracks an agent through its lifecycle. It only advances
// pending -> assigned -> active, regressing to inactive on disconnect; it
// never returns to pending once assigned.
type RegistrationStatus string

const (
	StatusPending  RegistrationStatus = "pending"
	StatusAssigned RegistrationStatus = "assigned"
	StatusActive   RegistrationStatus = "active"
	StatusInactive RegistrationStatus = "inactive"
)

type Project struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

type Session struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

type Team struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type Agent struct {
	ID           string             `json:"id"`
	DisplayName  string             `json:"display_name"`
	SessionID    string             `json:"session_id,omitempty"`
	TeamIDs      []string           `json:"team_ids,omitempty"`
	Permission   PermissionLevel    `json:"permission_level"`
	ConnectionID string             `json:"connection_id,omitempty"`
	Status       RegistrationStatus `json:"registration_status"`
	Capabilities map[string]string  `json:"capabilities,omitempty"`
	AssignedBy   string             `json:"assigned_by,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	LastSeen     time.Time          `json:"last_seen"`
	DeletedAt    *time.Time         `json:"deleted_at,omitempty"`
}

type Connection struct {
	ID          string     `json:"connection_id"`
	RemoteAddr  string     `json:"remote_addr,omitempty"`
	AgentID     string     `json:"assigned_agent_id,omitempty"`
	ConnectedAt time.Time  `json:"connected_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Context is a text note written by one agent. Seq increases monotonically
// with insertion order; TeamIDs is the author's team membership frozen at
// write time and never recomputed afterwards.
type Context struct {
	ID        string     `json:"id"`
	Seq       uint64     `json:"seq"`
	ProjectID string     `json:"project_id"`
	SessionID string     `json:"session_id"`
	AgentID   string     `json:"agent_id"`
	TeamIDs   []string   `json:"team_ids_snapshot,omitempty"`
	Body      string     `json:"context"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Event is the broadcast envelope delivered to observers (management
// interface). Delivery is best-effort, never transactional with the state
// change it describes.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	ConnID    string    `json:"connection_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
