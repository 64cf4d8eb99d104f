package federation

import (
	"github.com/bluesky-social/gatekeep/state"
)

// Service tags.
const (
	TagCaptcha = "CAPTCHA"
	TagManage  = "MANAGE"
	TagConfig  = "CONFIG"
	TagNospam  = "NOSPAM"
	TagRegex   = "REGEX"
	TagWarn    = "WARN"
	TagUser    = "USER"

	// route wildcard; matches any sender
	AnySender = "*"
)

type UserRef struct {
	ID int64 `json:"id"`
}

type ScoreUpdate struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

type GroupRef struct {
	GroupID int64  `json:"group_id"`
	Reason  string `json:"reason,omitempty"`
}

type ConfigRequest struct {
	GroupID int64 `json:"group_id"`
	UserID  int64 `json:"user_id"`
}

type ConfigCommit struct {
	GroupID int64             `json:"group_id"`
	UserID  int64             `json:"user_id,omitempty"`
	Config  state.GroupConfig `json:"config"`
}

type ConfigReply struct {
	GroupID int64  `json:"group_id"`
	UserID  int64  `json:"user_id"`
	Link    string `json:"link"`
}

type MessageDeclare struct {
	GroupID   int64 `json:"group_id"`
	MessageID int   `json:"message_id"`
}

type RuleUpdate struct {
	Name  string   `json:"name"`
	Rules []string `json:"rules"`
}

type WatchAdd struct {
	ID    int64           `json:"id"`
	Kind  state.WatchKind `json:"type"`
	Until int64           `json:"until"`
}

type HelpRequest struct {
	GroupID int64  `json:"group_id"`
	UserID  int64  `json:"user_id"`
	Name    string `json:"name"`
}

// AuditRequest asks a sibling to cross-check members of a group, on flood entry and before flood state is cleared.
type AuditRequest struct {
	GroupID int64   `json:"group_id"`
	Users   []int64 `json:"users"`
	Reason  string  `json:"reason"`
}

type SnapshotRef struct {
	Category string `json:"category"`
}
