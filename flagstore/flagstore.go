// Labels attached to a user across restarts, such as "verify-failed" after exhausted attempts. Sibling services read the same store to skip users this one has already judged.
package flagstore

import (
	"context"
	"strconv"
)

const (
	FlagVerifyFailed = "verify-failed"
	FlagEscalated    = "escalated"
	FlagManual       = "manual"
)

type FlagStore interface {
	// Returns flags in sorted order; an unknown key yields an empty slice.
	Get(ctx context.Context, key string) ([]string, error)
	Add(ctx context.Context, key string, flags []string) error
	Remove(ctx context.Context, key string, flags []string) error
}

// UserKey is the flag key for a platform user id.
func UserKey(user int64) string {
	return "user/" + strconv.FormatInt(user, 10)
}
