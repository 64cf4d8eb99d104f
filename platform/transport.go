// Package platform is the boundary between the verification core and the chat platform.
//
// Transport is the set of primitives the core consumes. Gateway implements it against an HTTP bot API, Retrying adds rate-limit and transient-failure handling on top of any Transport, and MockTransport records calls for tests.
package platform

import (
	"context"
	"fmt"
)

// MessageRef identifies a message sent by the service.
type MessageRef struct {
	Group int64 `json:"group"`
	ID    int   `json:"id"`
}

func (r MessageRef) String() string {
	return fmt.Sprintf("%d/%d", r.Group, r.ID)
}

// Button is an inline keyboard button. Exactly one of Data and URL is set.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Media replaces the body of an announcement with an image; used for picture challenges.
type Media struct {
	URL     string
	Caption string
}

// Permissions are the rights the service holds in a group.
type Permissions struct {
	// false when the service is no longer a member
	Present     bool
	Admin       bool
	CanDelete   bool
	CanRestrict bool
	CanPin      bool
	CanInvite   bool
}

// Missing names the rights required for verification that are not granted. A non-admin misses everything.
func (p Permissions) Missing() []string {
	var out []string
	if !p.Admin {
		return []string{"admin"}
	}
	if !p.CanDelete {
		out = append(out, "delete")
	}
	if !p.CanRestrict {
		out = append(out, "restrict")
	}
	if !p.CanPin {
		out = append(out, "pin")
	}
	if !p.CanInvite {
		out = append(out, "invite")
	}
	return out
}

type Transport interface {
	SendAnnouncement(ctx context.Context, group int64, text string, replyTo int, buttons []Button) (MessageRef, error)
	// Replaces the text, or with a non-nil media the picture, of a message previously sent by the service.
	EditAnnouncement(ctx context.Context, ref MessageRef, text string, media *Media, buttons []Button) error
	DeleteMessages(ctx context.Context, group int64, ids []int) error
	RestrictUser(ctx context.Context, group, user int64) error
	UnrestrictUser(ctx context.Context, group, user int64) error
	// Removes the user without a lasting ban.
	KickUser(ctx context.Context, group, user int64) error
	// Bans until the given unix time; zero is permanent.
	BanUser(ctx context.Context, group, user int64, until int64) error
	UnbanUser(ctx context.Context, group, user int64) error
	PinMessage(ctx context.Context, ref MessageRef) error
	UnpinMessage(ctx context.Context, ref MessageRef) error
	ExportInvite(ctx context.Context, group int64) (string, error)
	GroupPermissions(ctx context.Context, group int64) (Permissions, error)
	ListAdmins(ctx context.Context, group int64) ([]int64, error)
	LeaveGroup(ctx context.Context, group int64) error
}
