package federation

import (
	"context"

	"github.com/bluesky-social/gatekeep/state"
)

// Hooks are the verification-engine side effects that inbound envelopes can trigger.
type Hooks interface {
	CommitConfig(ctx context.Context, group int64, cfg state.GroupConfig) error
	// delivers a configuration panel link to the admin who asked for it
	ConfigPanel(ctx context.Context, group, admin int64, link string) error
	LeaveGroup(ctx context.Context, group int64) error
	// enrolls a member into verification on a sibling's behalf
	HelpCaptcha(ctx context.Context, group, user int64, name string) error
	// name rule sets or substitution tables changed
	RulesChanged(ctx context.Context)
}
