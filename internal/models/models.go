package models

import (
	"time"
)

type User struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	DisplayName        string    `json:"display_name"`
	Role               string    `json:"role"`
	WeeklyQuotaMinutes *int      `json:"weekly_quota_minutes,omitempty"`
	Active             bool      `json:"active"`
	Shadow             bool      `json:"shadow"`
	TokenHash          string    `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
}

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Label is the most human-friendly identifier for the user.
func (u User) Label() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Username != "" {
		return u.Username
	}
	return "Unknown"
}

type Node struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname"`
	AgentVersion string    `json:"agent_version"`
	Active       bool      `json:"active"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

type GPU struct {
	ID          string    `json:"id"`
	NodeID      string    `json:"node_id"`
	UUID        string    `json:"uuid"`
	Index       int       `json:"index"`
	Name        string    `json:"name"`
	MemoryMB    int       `json:"memory_mb"`
	Placeholder bool      `json:"placeholder"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Label falls back to the UUID for GPUs that were never registered with a name.
func (g GPU) Label() string {
	if g.Name != "" {
		return g.Name
	}
	return g.UUID
}

type SessionState string

const (
	SessionStateReserved SessionState = "RESERVED"
	SessionStateRunning  SessionState = "RUNNING"
	SessionStateEnded    SessionState = "ENDED"
)

// Active reports whether the state still holds the (user, gpu) slot.
func (s SessionState) Active() bool {
	return s == SessionStateReserved || s == SessionStateRunning
}

type SessionOrigin string

const (
	OriginReservation       SessionOrigin = "reservation"
	OriginAgent             SessionOrigin = "agent"
	OriginHeartbeatRecovery SessionOrigin = "heartbeat_recovery"
)

type Session struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	GPUID         string        `json:"gpu_id"`
	NodeID        string        `json:"node_id"`
	State         SessionState  `json:"state"`
	Origin        SessionOrigin `json:"origin"`
	ReservedFrom  *time.Time    `json:"reserved_from,omitempty"`
	ReservedUntil *time.Time    `json:"reserved_until,omitempty"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	HeartbeatAt   *time.Time    `json:"heartbeat_at,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	PIDs          []int         `json:"pids,omitempty"`
	Note          string        `json:"note,omitempty"`
	Version       int64         `json:"version"`
}

type UsageTag string

const (
	UsageTagNormal       UsageTag = "normal"
	UsageTagReservation  UsageTag = "reservation"
	UsageTagPenalty      UsageTag = "penalty"
	UsageTagCompensation UsageTag = "compensation"
)

func (t UsageTag) Valid() bool {
	switch t {
	case UsageTagNormal, UsageTagReservation, UsageTagPenalty, UsageTagCompensation:
		return true
	}
	return false
}

type UsageLog struct {
	ID        string    `json:"id"`
	SessionID *string   `json:"session_id,omitempty"`
	UserID    string    `json:"user_id"`
	GPUID     *string   `json:"gpu_id,omitempty"`
	NodeID    *string   `json:"node_id,omitempty"`
	StartTS   time.Time `json:"start_ts"`
	EndTS     time.Time `json:"end_ts"`
	Minutes   int       `json:"minutes"`
	Tag       UsageTag  `json:"tag"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Event struct {
	ID          int64     `json:"id"`
	At          time.Time `json:"at"`
	Type        string    `json:"type"`
	SessionID   *string   `json:"session_id,omitempty"`
	UserID      *string   `json:"user_id,omitempty"`
	GPUID       *string   `json:"gpu_id,omitempty"`
	PayloadJSON *string   `json:"payload_json,omitempty"`
}
