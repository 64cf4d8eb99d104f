package platform

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Retrying wraps a Transport. Rate-limited calls are retried indefinitely after the mandated wait plus jitter; transient failures are retried with exponential backoff up to MaxTransient attempts; permanent failures return at once. Only context cancellation interrupts a wait.
type Retrying struct {
	Inner  Transport
	Logger *slog.Logger
	// retries for transient failures before giving up
	MaxTransient int
	BaseBackoff  time.Duration
	MaxJitter    time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

var _ Transport = (*Retrying)(nil)

func NewRetrying(inner Transport, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{
		Inner:        inner,
		Logger:       logger.With("component", "transport"),
		MaxTransient: 4,
		BaseBackoff:  500 * time.Millisecond,
		MaxJitter:    time.Second,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Retrying) jitter() time.Duration {
	if r.MaxJitter <= 0 {
		return 0
	}
	return rand.N(r.MaxJitter)
}

func retry[T any](ctx context.Context, r *Retrying, method string, fn func() (T, error)) (T, error) {
	transient := 0
	for {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		wait, limited, soft := retryable(err)
		switch {
		case limited:
			wait += r.jitter()
			transportRetries.WithLabelValues(method, "rate_limit").Inc()
			r.Logger.Warn("rate limited by platform", "method", method, "wait", wait)
		case soft && transient < r.MaxTransient:
			wait = r.BaseBackoff<<transient + r.jitter()
			transient++
			transportRetries.WithLabelValues(method, "transient").Inc()
			r.Logger.Warn("transient transport failure", "method", method, "attempt", transient, "err", err)
		default:
			transportErrors.WithLabelValues(method).Inc()
			return v, err
		}
		if serr := r.sleep(ctx, wait); serr != nil {
			return v, serr
		}
	}
}

func retryErr(ctx context.Context, r *Retrying, method string, fn func() error) error {
	_, err := retry(ctx, r, method, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (r *Retrying) SendAnnouncement(ctx context.Context, group int64, text string, replyTo int, buttons []Button) (MessageRef, error) {
	return retry(ctx, r, "send", func() (MessageRef, error) {
		return r.Inner.SendAnnouncement(ctx, group, text, replyTo, buttons)
	})
}

func (r *Retrying) EditAnnouncement(ctx context.Context, ref MessageRef, text string, media *Media, buttons []Button) error {
	return retryErr(ctx, r, "edit", func() error {
		return r.Inner.EditAnnouncement(ctx, ref, text, media, buttons)
	})
}

func (r *Retrying) DeleteMessages(ctx context.Context, group int64, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	return retryErr(ctx, r, "delete", func() error {
		return r.Inner.DeleteMessages(ctx, group, ids)
	})
}

func (r *Retrying) RestrictUser(ctx context.Context, group, user int64) error {
	return retryErr(ctx, r, "restrict", func() error {
		return r.Inner.RestrictUser(ctx, group, user)
	})
}

func (r *Retrying) UnrestrictUser(ctx context.Context, group, user int64) error {
	return retryErr(ctx, r, "unrestrict", func() error {
		return r.Inner.UnrestrictUser(ctx, group, user)
	})
}

func (r *Retrying) KickUser(ctx context.Context, group, user int64) error {
	return retryErr(ctx, r, "kick", func() error {
		return r.Inner.KickUser(ctx, group, user)
	})
}

func (r *Retrying) BanUser(ctx context.Context, group, user int64, until int64) error {
	return retryErr(ctx, r, "ban", func() error {
		return r.Inner.BanUser(ctx, group, user, until)
	})
}

func (r *Retrying) UnbanUser(ctx context.Context, group, user int64) error {
	return retryErr(ctx, r, "unban", func() error {
		return r.Inner.UnbanUser(ctx, group, user)
	})
}

func (r *Retrying) PinMessage(ctx context.Context, ref MessageRef) error {
	return retryErr(ctx, r, "pin", func() error {
		return r.Inner.PinMessage(ctx, ref)
	})
}

func (r *Retrying) UnpinMessage(ctx context.Context, ref MessageRef) error {
	return retryErr(ctx, r, "unpin", func() error {
		return r.Inner.UnpinMessage(ctx, ref)
	})
}

func (r *Retrying) ExportInvite(ctx context.Context, group int64) (string, error) {
	return retry(ctx, r, "invite", func() (string, error) {
		return r.Inner.ExportInvite(ctx, group)
	})
}

func (r *Retrying) GroupPermissions(ctx context.Context, group int64) (Permissions, error) {
	return retry(ctx, r, "permissions", func() (Permissions, error) {
		return r.Inner.GroupPermissions(ctx, group)
	})
}

func (r *Retrying) ListAdmins(ctx context.Context, group int64) ([]int64, error) {
	return retry(ctx, r, "admins", func() ([]int64, error) {
		return r.Inner.ListAdmins(ctx, group)
	})
}

func (r *Retrying) LeaveGroup(ctx context.Context, group int64) error {
	return retryErr(ctx, r, "leave", func() error {
		return r.Inner.LeaveGroup(ctx, group)
	})
}
