package cdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	nativecommon "usq/native/common"
	"usq/observability"
)

// Engine is the collateralized-debt ledger. Every exported mutation is an
// all-or-nothing transaction: checks run first, ledger effects follow, and
// external transfers happen last. The engine is not safe for concurrent use;
// overlapping calls are rejected with ErrReentrantCall and callers serialise
// access.
type Engine struct {
	cfg     Config
	state   *ledger
	oracle  Oracle
	token   SyntheticToken
	vault   CollateralVault
	rewards RewardManager
	auth    Authorizer
	events  EventSink
	store   Store
	clock   Clock
	pauses  nativecommon.PauseView
	logger  *slog.Logger
	metrics *observability.EngineMetrics
	tracer  trace.Tracer

	inFlight atomic.Bool
}

// NewEngine constructs an engine with empty state.
func NewEngine(cfg Config, oracle Oracle, token SyntheticToken, vault CollateralVault) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if oracle == nil {
		return nil, errors.New("cdp: oracle required")
	}
	if token == nil {
		return nil, errors.New("cdp: synthetic token required")
	}
	if vault == nil {
		return nil, errors.New("cdp: collateral vault required")
	}
	cfg = cfg.Clone()
	return &Engine{
		cfg:     cfg,
		state:   newLedger(cfg),
		oracle:  oracle,
		token:   token,
		vault:   vault,
		auth:    denyAll{},
		events:  noopSink{},
		clock:   SlotClock{SlotDuration: time.Second},
		logger:  slog.Default(),
		metrics: observability.Engine(),
		tracer:  otel.Tracer("usq/cdp"),
	}, nil
}

// SetRewardManager configures the liquidity-mining notification target.
func (e *Engine) SetRewardManager(rewards RewardManager) { e.rewards = rewards }

// SetAuthorizer configures the capability checker for privileged calls.
func (e *Engine) SetAuthorizer(auth Authorizer) {
	if auth == nil {
		auth = denyAll{}
	}
	e.auth = auth
}

// SetEventSink configures the receiver of committed events.
func (e *Engine) SetEventSink(sink EventSink) {
	if sink == nil {
		sink = noopSink{}
	}
	e.events = sink
}

// SetStore configures durable persistence. Without a store the ledger lives
// in memory only.
func (e *Engine) SetStore(store Store) { e.store = store }

// SetClock overrides the slot clock.
func (e *Engine) SetClock(clock Clock) {
	if clock != nil {
		e.clock = clock
	}
}

// SetPauses wires an external pause view consulted alongside the engine's own
// pause flag.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetLogger overrides the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Config returns a copy of the active risk parameters.
func (e *Engine) Config() Config { return e.cfg.Clone() }

// IsPaused implements nativecommon.PauseView over the governance pause flag.
func (e *Engine) IsPaused(module string) bool {
	return module == ModuleName && e.state.global.Paused
}

// Load replaces the in-memory ledger with the state held by the store.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return errors.New("cdp: no store configured")
	}
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	changes, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("cdp: load state: %w", err)
	}
	state := newLedger(e.cfg)
	state.apply(changes)
	e.state = state
	e.metrics.SetShutdown(state.emergency.ShutdownActive)
	return nil
}

// Snapshot exports the complete ledger for persistence tooling.
func (e *Engine) Snapshot() *ChangeSet {
	return e.state.snapshot()
}

// enter acquires the in-flight token. The returned release must be called on
// every exit path.
func (e *Engine) enter() (func(), error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	return func() { e.inFlight.Store(false) }, nil
}

type opScope struct {
	name       string
	user       common.Address
	collateral common.Address
}

// execute runs body as one transaction under the reentrancy token, tracing,
// metrics and logging each attempt.
func (e *Engine) execute(ctx context.Context, scope opScope, body func(ctx context.Context, tx *txn) error) (err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "cdp."+scope.name, trace.WithAttributes(
		attribute.String("op", scope.name),
		attribute.String("user", scope.user.Hex()),
		attribute.String("collateral", scope.collateral.Hex()),
	))
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Warn("cdp operation failed",
				"op", scope.name,
				"user", scope.user.Hex(),
				"collateral", scope.collateral.Hex(),
				"kind", outcome,
				"error", err)
			err = opError(scope.name, scope.user, scope.collateral, err)
		}
		e.metrics.Observe(scope.name, outcome, time.Since(start))
		span.End()
	}()

	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	tx := e.begin()
	if err = body(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	if err = tx.commit(ctx); err != nil {
		tx.rollback()
		return err
	}
	tx.publish(ctx)
	return nil
}

// requireOperational gates user-facing mutations on the pause flags and the
// shutdown state.
func (e *Engine) requireOperational() error {
	if err := nativecommon.GuardAll(ModuleName, e, e.pauses); err != nil {
		return err
	}
	if e.state.emergency.ShutdownActive {
		return ErrShutdownActive
	}
	return nil
}

// requireSlot enforces one restricted action per user per slot.
func (tx *txn) requireSlot(user common.Address) error {
	if last, ok := tx.state.lastSlot[user]; ok && last == tx.now.Slot {
		return ErrSameSlot
	}
	return nil
}

func (e *Engine) authorize(ctx context.Context, capability Capability) error {
	if err := e.auth.Authorize(ctx, capability); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}
