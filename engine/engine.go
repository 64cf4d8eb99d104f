// Package engine runs the per-user verification lifecycle: admission into a group's wait list, challenges in the holding area, answers, and the terminal success, failure and timeout transitions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/arc/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/bluesky-social/gatekeep/announce"
	"github.com/bluesky-social/gatekeep/challenge"
	"github.com/bluesky-social/gatekeep/countstore"
	"github.com/bluesky-social/gatekeep/federation"
	"github.com/bluesky-social/gatekeep/flagstore"
	"github.com/bluesky-social/gatekeep/flood"
	"github.com/bluesky-social/gatekeep/keyword"
	"github.com/bluesky-social/gatekeep/platform"
	"github.com/bluesky-social/gatekeep/setstore"
	"github.com/bluesky-social/gatekeep/state"
)

var tracer = otel.Tracer("engine")

var (
	ErrNotAdmin     = errors.New("not an administrator of the group")
	ErrUnmanaged    = errors.New("group is not managed")
	ErrConfigLocked = errors.New("group configuration is locked")
)

// Publisher is the part of the federation protocol the engine talks to. Optional; a nil Publisher keeps the engine standalone.
type Publisher interface {
	Publish(ctx context.Context, out federation.Outbound) error
	Broadcast(ctx context.Context, action, typ string, data any) error
	Declared(ctx context.Context, group int64, msgID int) (string, bool)
	Declare(ctx context.Context, group int64, msgID int) error
}

var _ Publisher = (*federation.Protocol)(nil)

// Engine is the verification runtime. Build it with NewEngine; the exported collaborator fields may be replaced before first use.
type Engine struct {
	Config    Config
	Logger    *slog.Logger
	Store     *state.Store
	Transport platform.Transport
	Flood     *flood.Detector
	Publisher Publisher
	Generator challenge.Generator
	Pool      challenge.Pool
	Renderer  *announce.Renderer
	Sets      setstore.SetStore
	Flags     flagstore.FlagStore
	Counters  countstore.CountStore
	Now       func() time.Time

	workers *semaphore.Weighted
	pending sync.WaitGroup
	bg      context.Context
	stop    context.CancelFunc

	userLocks  *xsync.MapOf[int64, *sync.Mutex]
	groupLocks *xsync.MapOf[int64, *sync.Mutex]

	rulesMu   sync.Mutex
	nameRules *keyword.RuleSet
	nameSubs  map[rune]rune
	// display name to the matching rule, "" for no match
	nameVerdicts *arc.ARCCache[string, string]
}

var _ federation.Hooks = (*Engine)(nil)

func NewEngine(cfg Config, store *state.Store, transport platform.Transport, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	renderer, err := announce.NewRenderer()
	if err != nil {
		return nil, err
	}
	verdicts, err := arc.NewARC[string, string](4096)
	if err != nil {
		return nil, err
	}
	bg, stop := context.WithCancel(context.Background())
	e := &Engine{
		Config:       cfg,
		Logger:       logger.With("component", "engine"),
		Store:        store,
		Transport:    transport,
		Flood:        flood.NewDetector(cfg.FloodConfig(), store, transport, logger),
		Generator:    challenge.NewBuiltin(time.Now().UnixNano(), nil),
		Pool:         challenge.DefaultPool().Without(challenge.KindImage),
		Renderer:     renderer,
		Sets:         setstore.NewMemSetStore(),
		Flags:        flagstore.NewMemFlagStore(),
		Counters:     countstore.NewMemCountStore(),
		Now:          time.Now,
		workers:      semaphore.NewWeighted(cfg.Workers),
		bg:           bg,
		stop:         stop,
		userLocks:    xsync.NewMapOf[int64, *sync.Mutex](),
		groupLocks:   xsync.NewMapOf[int64, *sync.Mutex](),
		nameVerdicts: verdicts,
	}
	return e, nil
}

func (e *Engine) now() int64 {
	return e.Now().Unix()
}

// Wait blocks until every deferred task has finished.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// Shutdown cancels deferred tasks still blocked on the transport and waits for them to return.
func (e *Engine) Shutdown() {
	e.stop()
	e.pending.Wait()
}

// async runs deferred announcement work on the bounded worker pool. Tasks outlive the request that queued them, so they run under the engine's own context, keeping the request's span for tracing.
func (e *Engine) async(ctx context.Context, task string, fn func(ctx context.Context) error) {
	bctx := trace.ContextWithSpan(e.bg, trace.SpanFromContext(ctx))
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				operationPanics.WithLabelValues(task).Inc()
				e.Logger.Error("engine task exception", "task", task, "err", r)
			}
		}()
		if err := e.workers.Acquire(bctx, 1); err != nil {
			return
		}
		defer e.workers.Release(1)
		if err := fn(bctx); err != nil {
			asyncErrors.WithLabelValues(task).Inc()
			e.Logger.Warn("deferred task failed", "task", task, "err", err)
		}
	}()
}

func (e *Engine) userLock(user int64) *sync.Mutex {
	m, _ := e.userLocks.LoadOrCompute(user, func() *sync.Mutex { return &sync.Mutex{} })
	return m
}

func (e *Engine) groupLock(group int64) *sync.Mutex {
	m, _ := e.groupLocks.LoadOrCompute(group, func() *sync.Mutex { return &sync.Mutex{} })
	return m
}

// recoverOp is deferred at every exported operation; a panic becomes an error on that operation only.
func (e *Engine) recoverOp(op string, errp *error, attrs ...any) {
	if r := recover(); r != nil {
		operationPanics.WithLabelValues(op).Inc()
		e.Logger.Error("engine operation exception", append([]any{"op", op, "err", r}, attrs...)...)
		if errp != nil {
			*errp = fmt.Errorf("%s: recovered from panic: %v", op, r)
		}
	}
}

func (e *Engine) render(locale, name string, vars announce.Vars) string {
	if locale == "" {
		locale = e.Config.Locale
	}
	text, err := e.Renderer.Render(locale, name, vars)
	if err != nil {
		e.Logger.Error("failed to render announcement", "template", name, "locale", locale, "err", err)
		return ""
	}
	return text
}

func (e *Engine) minutes() int {
	return int(e.Config.ChallengeTimeout / time.Minute)
}

// ignorable reports transport errors that leave nothing to retry or undo, such as acting on a message that is already gone.
func ignorable(err error) bool {
	return err == nil || platform.IsPermanent(err)
}

// matchName checks a display name against the name rule set. Verdicts are cached until the rules change.
func (e *Engine) matchName(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if rule, ok := e.nameVerdicts.Get(name); ok {
		return rule, rule != ""
	}
	e.rulesMu.Lock()
	if e.nameRules == nil {
		var src []string
		_ = e.Store.Do(func(tx *state.Tx) error {
			src = tx.Rules(e.Config.NameRuleSet)
			e.nameSubs = tx.Substitutions()
			return nil
		}, state.DomainRegex)
		rs, errs := keyword.CompileRules(src)
		for _, err := range errs {
			e.Logger.Warn("skipping invalid name rule", "set", e.Config.NameRuleSet, "err", err)
		}
		e.nameRules = rs
	}
	rs, subs := e.nameRules, e.nameSubs
	e.rulesMu.Unlock()

	rule, ok := rs.MatchName(name, subs)
	e.nameVerdicts.Add(name, rule)
	return rule, ok
}

// RulesChanged drops the compiled name rules and cached verdicts; the next admission recompiles.
func (e *Engine) RulesChanged(ctx context.Context) {
	e.rulesMu.Lock()
	e.nameRules = nil
	e.nameSubs = nil
	e.rulesMu.Unlock()
	e.nameVerdicts.Purge()
}

func (e *Engine) counter(ctx context.Context, name string, group int64) {
	if e.Counters == nil {
		return
	}
	if err := e.Counters.Increment(ctx, name, fmt.Sprint(group), e.Now()); err != nil {
		e.Logger.Warn("failed to increment counter", "name", name, "group", group, "err", err)
	}
}
