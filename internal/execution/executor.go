// Package execution turns approved risk decisions into broker orders exactly
// once per client reference and keeps the order ledger.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fxpilot/internal/book"
	"fxpilot/internal/broker"
	"fxpilot/internal/model"
	"fxpilot/internal/notify"
	"fxpilot/internal/retry"
)

// FailureKind classifies an execution failure.
type FailureKind string

const (
	FailureRejected    FailureKind = "BROKER_REJECTED"
	FailureTransient   FailureKind = "TRANSIENT"
	FailureDuplicate   FailureKind = "DUPLICATE_IN_FLIGHT"
	FailureNotApproved FailureKind = "NOT_APPROVED"
	FailureLedger      FailureKind = "LEDGER_UNAVAILABLE"
)

// ExecutionFailure is the typed error returned by Execute.
type ExecutionFailure struct {
	Kind      FailureKind
	ClientRef string
	Err       error
}

func (e *ExecutionFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("execution %s: %s", e.ClientRef, e.Kind)
	}
	return fmt.Sprintf("execution %s: %s: %v", e.ClientRef, e.Kind, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// Executor submits orders through the broker, consulting the ledger and the
// broker's client-reference lookup before every submission so that a retry
// after a lost response never opens a second trade.
type Executor struct {
	broker   broker.Broker
	ledger   *Ledger
	book     *book.Book
	retry    retry.Policy
	timeout  time.Duration
	notifier notify.Notifier
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewExecutor creates an executor. The retry policy's Retryable is replaced
// so only transient broker errors are retried.
func NewExecutor(b broker.Broker, ledger *Ledger, bk *book.Book, policy retry.Policy, timeout time.Duration, n notify.Notifier) *Executor {
	if n == nil {
		n = notify.Nop{}
	}
	policy.Retryable = broker.IsTransient
	return &Executor{
		broker:   b,
		ledger:   ledger,
		book:     bk,
		retry:    policy,
		timeout:  timeout,
		notifier: n,
		now:      time.Now,
		logger:   zap.NewNop(),
		inflight: make(map[string]struct{}),
	}
}

// SetLogger sets the logger.
func (e *Executor) SetLogger(l *zap.Logger) {
	e.logger = l
	e.retry.Logger = l
}

// SetClock overrides the time source.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// Execute places the market order described by an approved decision.
func (e *Executor) Execute(ctx context.Context, d model.RiskDecision) (model.Trade, error) {
	sig := d.Scored.Signal
	ref := d.ClientRef
	if !d.Approved || ref == "" {
		return model.Trade{}, &ExecutionFailure{Kind: FailureNotApproved, ClientRef: ref, Err: errors.New("decision is not approved")}
	}
	if !e.claim(ref) {
		return model.Trade{}, &ExecutionFailure{Kind: FailureDuplicate, ClientRef: ref}
	}
	defer e.release(ref)

	log := e.logger.With(
		zap.String("account", sig.AccountID),
		zap.String("strategy", sig.Strategy),
		zap.String("instrument", sig.Instrument),
		zap.String("client_ref", ref),
	)

	rec, created, err := e.ledger.Reserve(ctx, OrderRecord{
		ClientRef:    ref,
		AccountID:    sig.AccountID,
		Strategy:     sig.Strategy,
		Instrument:   sig.Instrument,
		Side:         string(sig.Side),
		Units:        d.Units,
		InitialUnits: d.Units,
		StopLoss:     d.StopLoss,
		TakeProfit:   d.TakeProfit,
		RiskAmount:   d.RiskAmount,
		SubmittedAt:  e.now(),
	})
	if err != nil {
		return model.Trade{}, &ExecutionFailure{Kind: FailureLedger, ClientRef: ref, Err: err}
	}
	if !created {
		switch rec.Status {
		case StatusFilled:
			log.Info("order_already_filled", zap.String("trade_id", rec.TradeID))
			t := rec.Trade()
			e.book.Add(t)
			return t, nil
		case StatusRejected, StatusFailed:
			return model.Trade{}, &ExecutionFailure{Kind: FailureRejected, ClientRef: ref, Err: errors.New(rec.Error)}
		}
	}

	req := broker.OrderRequest{
		AccountID:  sig.AccountID,
		Instrument: sig.Instrument,
		Side:       sig.Side,
		Units:      d.Units,
		StopLoss:   d.StopLoss,
		TakeProfit: d.TakeProfit,
		ClientRef:  ref,
		Tag:        sig.Strategy,
	}
	// A reserved-but-pending record means an earlier submission may have
	// reached the broker.
	lookupFirst := !created

	var filled broker.TradeState
	err = e.retry.Do(ctx, ref, func(ctx context.Context, attempt int) error {
		callCtx, cancel := e.bound(ctx)
		defer cancel()
		if attempt > 0 || lookupFirst {
			ts, err := e.broker.TradeByClientRef(callCtx, sig.AccountID, ref)
			if err == nil {
				log.Info("order_found_by_client_ref", zap.Int("attempt", attempt), zap.String("trade_id", ts.ID))
				filled = ts
				return nil
			}
			if !errors.Is(err, broker.ErrNotFound) {
				return err
			}
		}
		ts, err := e.broker.PlaceMarketOrder(callCtx, req)
		if err != nil {
			return err
		}
		filled = ts
		return nil
	})

	if err != nil {
		return model.Trade{}, e.fail(ctx, log, d, err)
	}

	t := model.Trade{
		ID:           filled.ID,
		ClientRef:    ref,
		AccountID:    sig.AccountID,
		Strategy:     sig.Strategy,
		Instrument:   sig.Instrument,
		Side:         sig.Side,
		EntryPrice:   filled.EntryPrice,
		OpenedAt:     filled.OpenedAt,
		InitialUnits: filled.InitialUnits,
		Units:        filled.Units,
		StopLoss:     d.StopLoss,
		TakeProfit:   d.TakeProfit,
		State:        model.StateEntry,
		UpdatedAt:    e.now(),
	}
	if t.OpenedAt.IsZero() {
		t.OpenedAt = e.now()
	}
	if err := e.ledger.MarkFilled(ctx, t); err != nil {
		log.Error("ledger_update_failed", zap.Error(err))
	}
	e.book.Add(t)

	log.Info("order_filled",
		zap.String("trade_id", t.ID),
		zap.String("side", string(t.Side)),
		zap.Float64("units", t.Units),
		zap.Float64("price", t.EntryPrice),
		zap.Float64("stop_loss", t.StopLoss),
		zap.Float64("take_profit", t.TakeProfit),
	)
	_ = e.notifier.Notify(ctx, model.Event{
		Time:       e.now(),
		AccountID:  t.AccountID,
		Instrument: t.Instrument,
		Type:       model.EventOrderFilled,
		Payload: map[string]any{
			"tradeId":    t.ID,
			"clientRef":  ref,
			"strategy":   t.Strategy,
			"side":       string(t.Side),
			"units":      t.Units,
			"price":      t.EntryPrice,
			"stopLoss":   t.StopLoss,
			"takeProfit": t.TakeProfit,
			"quality":    d.Scored.Quality,
		},
	})
	return t, nil
}

// fail classifies err, records it and emits an order_rejected event.
// Transient exhaustion leaves the ledger record pending: the order may have
// reached the broker and Reconcile resolves it.
func (e *Executor) fail(ctx context.Context, log *zap.Logger, d model.RiskDecision, err error) error {
	ref := d.ClientRef
	kind := FailureTransient
	inDoubt := broker.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	if !inDoubt {
		kind = FailureRejected
		status := StatusFailed
		if broker.IsRejected(err) {
			status = StatusRejected
		}
		if lerr := e.ledger.MarkFailed(ctx, ref, status, err.Error()); lerr != nil {
			log.Error("ledger_update_failed", zap.Error(lerr))
		}
	}
	log.Warn("order_failed", zap.String("kind", string(kind)), zap.Error(err))
	sig := d.Scored.Signal
	_ = e.notifier.Notify(ctx, model.Event{
		Time:       e.now(),
		AccountID:  sig.AccountID,
		Instrument: sig.Instrument,
		Type:       model.EventOrderRejected,
		Payload: map[string]any{
			"clientRef": ref,
			"strategy":  sig.Strategy,
			"kind":      string(kind),
			"error":     err.Error(),
		},
	})
	return &ExecutionFailure{Kind: kind, ClientRef: ref, Err: err}
}

func (e *Executor) claim(ref string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[ref]; busy {
		return false
	}
	e.inflight[ref] = struct{}{}
	return true
}

func (e *Executor) release(ref string) {
	e.mu.Lock()
	delete(e.inflight, ref)
	e.mu.Unlock()
}

func (e *Executor) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

// InDoubt reports whether err leaves an order whose fate is unknown until
// Reconcile settles it.
func InDoubt(err error) bool {
	var ef *ExecutionFailure
	return errors.As(err, &ef) && ef.Kind == FailureTransient
}

// Resolution is one pending submission settled against the broker.
type Resolution struct {
	ClientRef  string
	AccountID  string
	Filled     bool
	Trade      model.Trade
	RiskAmount float64
}

// resolve looks up every pending submission at the broker. Found orders are
// marked filled, orders the broker never saw are marked failed and lookups
// that fail leave the record pending. Refs with an Execute in flight are
// skipped.
func (e *Executor) resolve(ctx context.Context) ([]Resolution, error) {
	pending, err := e.ledger.Pending(ctx)
	if err != nil {
		return nil, err
	}
	var out []Resolution
	for _, rec := range pending {
		if !e.claim(rec.ClientRef) {
			continue
		}
		res, ok, err := e.resolveOne(ctx, rec)
		e.release(rec.ClientRef)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, res)
		}
	}
	return out, nil
}

func (e *Executor) resolveOne(ctx context.Context, rec OrderRecord) (Resolution, bool, error) {
	callCtx, cancel := e.bound(ctx)
	ts, err := e.broker.TradeByClientRef(callCtx, rec.AccountID, rec.ClientRef)
	cancel()
	switch {
	case err == nil:
		t := rec.Trade()
		t.ID = ts.ID
		t.EntryPrice = ts.EntryPrice
		t.OpenedAt = ts.OpenedAt
		t.InitialUnits = ts.InitialUnits
		t.Units = ts.Units
		t.State = model.StateEntry
		t.UpdatedAt = e.now()
		if t.OpenedAt.IsZero() {
			t.OpenedAt = e.now()
		}
		if err := e.ledger.MarkFilled(ctx, t); err != nil {
			return Resolution{}, false, err
		}
		return Resolution{ClientRef: rec.ClientRef, AccountID: rec.AccountID, Filled: true, Trade: t, RiskAmount: rec.RiskAmount}, true, nil
	case errors.Is(err, broker.ErrNotFound):
		if err := e.ledger.MarkFailed(ctx, rec.ClientRef, StatusFailed, "not found at broker"); err != nil {
			return Resolution{}, false, err
		}
		return Resolution{ClientRef: rec.ClientRef, AccountID: rec.AccountID}, true, nil
	default:
		e.logger.Warn("pending_lookup_failed", zap.String("client_ref", rec.ClientRef), zap.Error(err))
		return Resolution{}, false, nil
	}
}

// Reconcile settles pending submissions while the daemon runs. Trades found
// at the broker join the book and are announced as filled.
func (e *Executor) Reconcile(ctx context.Context) ([]Resolution, error) {
	res, err := e.resolve(ctx)
	for _, r := range res {
		log := e.logger.With(zap.String("account", r.AccountID), zap.String("client_ref", r.ClientRef))
		if !r.Filled {
			log.Info("pending_order_dropped")
			continue
		}
		t := r.Trade
		e.book.Add(t)
		log.Info("pending_order_filled",
			zap.String("trade_id", t.ID),
			zap.String("instrument", t.Instrument),
			zap.Float64("units", t.Units),
			zap.Float64("price", t.EntryPrice),
		)
		_ = e.notifier.Notify(ctx, model.Event{
			Time:       e.now(),
			AccountID:  t.AccountID,
			Instrument: t.Instrument,
			Type:       model.EventOrderFilled,
			Payload: map[string]any{
				"tradeId":    t.ID,
				"clientRef":  r.ClientRef,
				"strategy":   t.Strategy,
				"side":       string(t.Side),
				"units":      t.Units,
				"price":      t.EntryPrice,
				"stopLoss":   t.StopLoss,
				"takeProfit": t.TakeProfit,
				"reconciled": true,
			},
		})
	}
	return res, err
}

// RecoveryReport summarises a startup recovery pass.
type RecoveryReport struct {
	Resolved int `json:"resolved"`
	Dropped  int `json:"dropped"`
	Restored int `json:"restored"`
}

// Recover resolves pending submissions against the broker and restores open
// trades from the ledger into the book. Pending records whose account lookup
// fails transiently stay pending.
func (e *Executor) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	res, err := e.resolve(ctx)
	if err != nil {
		return rep, err
	}
	for _, r := range res {
		if r.Filled {
			rep.Resolved++
		} else {
			rep.Dropped++
		}
	}

	open, err := e.ledger.OpenTrades(ctx)
	if err != nil {
		return rep, err
	}
	for _, t := range open {
		if e.book.Add(t) {
			rep.Restored++
		}
	}
	e.logger.Info("ledger_recovered",
		zap.Int("resolved", rep.Resolved),
		zap.Int("dropped", rep.Dropped),
		zap.Int("restored", rep.Restored),
	)
	return rep, nil
}
