// Package federation implements the envelope protocol that keeps this service consistent with its sibling moderation services over a shared broadcast channel.
//
// Publishing degrades once and for good: if the primary channel fails, the protocol switches to the fallback ("hidden") channel and stays there until an emergency/hide directive with a false payload, or a restart, restores it.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"golang.org/x/sync/errgroup"

	"github.com/bluesky-social/gatekeep/cachestore"
	"github.com/bluesky-social/gatekeep/state"
)

type Config struct {
	// this service's tag
	Self string
	// every sibling tag; used when broadcasting to all
	Peers []string
	// shared secret for sealing attached files
	Secret []byte
	// inbound help-captcha requests allowed per window
	HelpLimit  int64
	HelpWindow time.Duration
	TempDir    string
}

func DefaultConfig() Config {
	return Config{
		Self:       TagCaptcha,
		Peers:      []string{TagManage, TagConfig, TagNospam, TagRegex, TagWarn, TagUser},
		HelpLimit:  30,
		HelpWindow: time.Minute,
		TempDir:    os.TempDir(),
	}
}

func (c Config) Validate() error {
	if c.Self == "" {
		return fmt.Errorf("federation tag must be set")
	}
	if c.HelpLimit < 1 || c.HelpWindow <= 0 {
		return fmt.Errorf("help-captcha rate limit must be positive")
	}
	return nil
}

// Outbound is one envelope to publish. File, if set, names a temporary file that is removed after the attempt whatever the outcome.
type Outbound struct {
	To      []string
	Action  string
	Type    string
	Data    any
	File    string
	Encrypt bool
}

type Protocol struct {
	Config   Config
	Primary  Channel
	Fallback Channel
	Store    *state.Store
	// remembers messages siblings declared as handled
	Cache  cachestore.CacheStore
	Hooks  Hooks
	Logger *slog.Logger

	hidden atomic.Bool
	help   *slidingwindow.Limiter
	routes map[route]handlerFunc
}

func NewProtocol(cfg Config, primary, fallback Channel, store *state.Store, cache cachestore.CacheStore, logger *slog.Logger) (*Protocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	help, _ := slidingwindow.NewLimiter(cfg.HelpWindow, cfg.HelpLimit, func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})
	p := &Protocol{
		Config:   cfg,
		Primary:  primary,
		Fallback: fallback,
		Store:    store,
		Cache:    cache,
		Logger:   logger.With("component", "federation"),
		help:     help,
		routes:   defaultRoutes(),
	}
	return p, nil
}

// Hidden reports whether publishing has moved to the fallback channel.
func (p *Protocol) Hidden() bool {
	return p.hidden.Load()
}

func (p *Protocol) setHidden(v bool) {
	if p.hidden.Swap(v) != v {
		p.Logger.Warn("federation channel switched", "hidden", v)
	}
	if v {
		channelHidden.Set(1)
	} else {
		channelHidden.Set(0)
	}
}

// Publish sends an envelope to the given receivers, excluding this service. An empty receiver set is a no-op.
func (p *Protocol) Publish(ctx context.Context, out Outbound) error {
	var cleanup []string
	if out.File != "" {
		cleanup = append(cleanup, out.File)
	}
	defer func() {
		for _, f := range cleanup {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				p.Logger.Warn("failed to remove temporary file", "path", f, "err", err)
			}
		}
	}()

	to := receivers(out.To, p.Config.Self)
	if len(to) == 0 {
		return nil
	}
	data, err := json.Marshal(out.Data)
	if err != nil {
		return fmt.Errorf("encoding %s/%s payload: %w", out.Action, out.Type, err)
	}
	env := Envelope{From: p.Config.Self, To: to, Action: out.Action, Type: out.Type, Data: data}
	text, err := env.Encode()
	if err != nil {
		return err
	}
	msg := Message{Text: text}

	if out.File != "" {
		body, err := os.ReadFile(out.File)
		if err != nil {
			return fmt.Errorf("reading attachment: %w", err)
		}
		msg.FileName = filepath.Base(out.File)
		if out.Encrypt {
			sealed, err := Seal(p.Config.Secret, msg.FileName, body)
			if err != nil {
				return fmt.Errorf("sealing attachment: %w", err)
			}
			sealedPath := out.File + ".sealed"
			if err := os.WriteFile(sealedPath, sealed, 0o600); err != nil {
				return fmt.Errorf("writing sealed attachment: %w", err)
			}
			cleanup = append(cleanup, sealedPath)
			body = sealed
			msg.Encrypted = true
		}
		msg.File = body
	}

	onPrimary := !p.Hidden()
	ch := p.Primary
	if !onPrimary {
		ch = p.Fallback
	}
	err = ch.Send(ctx, msg)
	if err == nil {
		publishCount.WithLabelValues(ch.Name()).Inc()
		return nil
	}
	publishErrors.WithLabelValues(ch.Name()).Inc()
	if !onPrimary || ctx.Err() != nil {
		return fmt.Errorf("publishing on %s: %w", ch.Name(), err)
	}
	// concurrent failures all retry on the fallback; only the first logs the switch
	if p.hidden.CompareAndSwap(false, true) {
		channelHidden.Set(1)
		p.Logger.Error("primary channel failed, switching to fallback", "channel", ch.Name(), "err", err)
	}
	fb := p.Fallback
	if ferr := fb.Send(ctx, msg); ferr != nil {
		publishErrors.WithLabelValues(fb.Name()).Inc()
		return fmt.Errorf("publishing on fallback %s: %w", fb.Name(), ferr)
	}
	publishCount.WithLabelValues(fb.Name()).Inc()
	return nil
}

// Broadcast publishes to every peer.
func (p *Protocol) Broadcast(ctx context.Context, action, typ string, data any) error {
	return p.Publish(ctx, Outbound{To: p.Config.Peers, Action: action, Type: typ, Data: data})
}

func declaredKey(group int64, msgID int) string {
	return strconv.FormatInt(group, 10) + "/" + strconv.Itoa(msgID)
}

// Declared returns the sibling that claimed a message, if any.
func (p *Protocol) Declared(ctx context.Context, group int64, msgID int) (string, bool) {
	if p.Cache == nil || msgID == 0 {
		return "", false
	}
	v, err := p.Cache.Get(ctx, "declared", declaredKey(group, msgID))
	if err != nil {
		p.Logger.Warn("declared message lookup failed", "group", group, "message", msgID, "err", err)
		return "", false
	}
	return v, v != ""
}

// Declare claims a message for this service and tells the siblings.
func (p *Protocol) Declare(ctx context.Context, group int64, msgID int) error {
	if p.Cache != nil {
		if _, err := p.Cache.SetIfAbsent(ctx, "declared", declaredKey(group, msgID), p.Config.Self); err != nil {
			return err
		}
	}
	return p.Broadcast(ctx, "declare", "message", MessageDeclare{GroupID: group, MessageID: msgID})
}

// Backup writes every state category into one file and sends it, sealed, to MANAGE.
func (p *Protocol) Backup(ctx context.Context) error {
	all := make(map[state.Category]json.RawMessage, len(state.Categories))
	for _, c := range state.Categories {
		b, err := p.Store.Snapshot(c)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", c, err)
		}
		all[c] = b
	}
	raw, err := json.Marshal(all)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(p.Config.TempDir, "gatekeep-backup-*.json")
	if err != nil {
		return err
	}
	name := f.Name()
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(name)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return p.Publish(ctx, Outbound{
		To:      []string{TagManage},
		Action:  "backup",
		Type:    "state",
		Data:    map[string]int64{"time": time.Now().Unix()},
		File:    name,
		Encrypt: true,
	})
}

// Serve feeds inbound messages from both channels into Receive until ctx is done.
func (p *Protocol) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range []Channel{p.Primary, p.Fallback} {
		sub, ok := ch.(Subscriber)
		if !ok {
			continue
		}
		g.Go(func() error {
			return sub.Subscribe(ctx, func(m Message) {
				p.Receive(ctx, m)
			})
		})
	}
	return g.Wait()
}
