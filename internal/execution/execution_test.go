package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"fxpilot/internal/book"
	"fxpilot/internal/broker"
	"fxpilot/internal/broker/paper"
	"fxpilot/internal/model"
	"fxpilot/internal/retry"
)

var (
	t0     = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	dbSeq  atomic.Int64
	errBad = &broker.RejectedError{Code: "INSUFFICIENT_MARGIN"}
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Notify(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// setupLedger opens a private in-memory SQLite database.
func setupLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err, "failed to initialize test database")
	l, err := NewLedger(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

type fixture struct {
	broker *paper.Broker
	ledger *Ledger
	book   *book.Book
	events *recorder
	exec   *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pb := paper.New()
	pb.SetClock(func() time.Time { return t0 })
	pb.AddAccount("acct", "USD", 10_000)
	pb.SetQuote(model.Quote{Instrument: "EUR_USD", Bid: 1.1000, Ask: 1.1002, Time: t0})

	f := &fixture{broker: pb, ledger: setupLedger(t), book: book.New(), events: &recorder{}}
	f.exec = NewExecutor(pb, f.ledger, f.book, retry.Policy{MaxRetries: 2, Backoff: time.Millisecond}, time.Second, f.events)
	f.exec.SetClock(func() time.Time { return t0 })
	return f
}

func decision(ref string) model.RiskDecision {
	return model.RiskDecision{
		Approved: true,
		Scored: model.ScoredSignal{
			Signal: model.Signal{
				AccountID: "acct", Strategy: "trend", Instrument: "EUR_USD", Side: model.SideLong,
				Entry: 1.1002, Stop: 1.0982, Target: 1.1042,
			},
			Quality: 81,
		},
		Units:      50_000,
		RiskAmount: 100,
		StopLoss:   1.0982,
		TakeProfit: 1.1042,
		ClientRef:  ref,
		DecidedAt:  t0,
	}
}

func TestExecute_Fills(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tr, err := f.exec.Execute(context.Background(), decision("ref-1"))
	require.NoError(t, err)

	assert.Equal(t, "ref-1", tr.ClientRef)
	assert.Equal(t, 1.1002, tr.EntryPrice)
	assert.Equal(t, 50_000.0, tr.Units)
	assert.Equal(t, model.StateEntry, tr.State)

	got, ok := f.book.Get("acct", tr.ID)
	require.True(t, ok)
	assert.Equal(t, tr, got)

	rec, err := f.ledger.Get(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, rec.Status)
	assert.Equal(t, tr.ID, rec.TradeID)
	assert.Equal(t, []model.EventType{model.EventOrderFilled}, f.events.types())
}

func TestExecute_SameRefTwiceOpensOneTrade(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	first, err := f.exec.Execute(ctx, decision("ref-1"))
	require.NoError(t, err)
	second, err := f.exec.Execute(ctx, decision("ref-1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.broker.Calls(paper.OpPlaceOrder))
	trades, err := f.broker.OpenTrades(ctx, "acct")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestExecute_RetryAfterTimeoutDoesNotDuplicate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.broker.FailAfterNext(paper.OpPlaceOrder, fmt.Errorf("read: %w", broker.ErrTransient))

	tr, err := f.exec.Execute(context.Background(), decision("ref-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, 1, f.broker.Calls(paper.OpPlaceOrder))
	assert.Equal(t, 1, f.broker.Calls(paper.OpTradeByRef))

	trades, err := f.broker.OpenTrades(context.Background(), "acct")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestExecute_TransientBeforeSubmissionIsRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.broker.FailNext(paper.OpPlaceOrder, broker.ErrTransient)

	_, err := f.exec.Execute(context.Background(), decision("ref-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.broker.Calls(paper.OpPlaceOrder))
}

func TestExecute_RejectionIsNotRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.broker.FailNext(paper.OpPlaceOrder, errBad)

	_, err := f.exec.Execute(context.Background(), decision("ref-1"))
	var ef *ExecutionFailure
	require.ErrorAs(t, err, &ef)
	assert.Equal(t, FailureRejected, ef.Kind)
	assert.Equal(t, 1, f.broker.Calls(paper.OpPlaceOrder))
	assert.Empty(t, f.book.Open(""))

	rec, err := f.ledger.Get(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rec.Status)
	assert.Contains(t, rec.Error, "INSUFFICIENT_MARGIN")
	assert.Equal(t, []model.EventType{model.EventOrderRejected}, f.events.types())

	_, err = f.exec.Execute(context.Background(), decision("ref-1"))
	require.ErrorAs(t, err, &ef)
	assert.Equal(t, 1, f.broker.Calls(paper.OpPlaceOrder))
}

func TestExecute_TransientExhaustionLeavesPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.broker.FailNext(paper.OpPlaceOrder, broker.ErrTransient)
	}

	_, err := f.exec.Execute(context.Background(), decision("ref-1"))
	var ef *ExecutionFailure
	require.ErrorAs(t, err, &ef)
	assert.Equal(t, FailureTransient, ef.Kind)
	assert.Equal(t, 3, f.broker.Calls(paper.OpPlaceOrder))

	rec, err := f.ledger.Get(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)

	rep, err := f.exec.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dropped)
	rec, _ = f.ledger.Get(context.Background(), "ref-1")
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestExecute_DuplicateInFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.True(t, f.exec.claim("ref-1"))
	_, err := f.exec.Execute(context.Background(), decision("ref-1"))
	var ef *ExecutionFailure
	require.ErrorAs(t, err, &ef)
	assert.Equal(t, FailureDuplicate, ef.Kind)
	assert.Zero(t, f.broker.Calls(paper.OpPlaceOrder))
}

func TestExecute_NotApproved(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := decision("ref-1")
	d.Approved = false
	_, err := f.exec.Execute(context.Background(), d)
	var ef *ExecutionFailure
	require.ErrorAs(t, err, &ef)
	assert.Equal(t, FailureNotApproved, ef.Kind)
}

func TestRecover_ResolvesPendingAndRestoresBook(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// A submission that reached the broker before a crash.
	_, created, err := f.ledger.Reserve(ctx, OrderRecord{
		ClientRef: "ref-1", AccountID: "acct", Strategy: "trend", Instrument: "EUR_USD",
		Side: string(model.SideLong), Units: 1000, InitialUnits: 1000, RiskAmount: 20, SubmittedAt: t0,
	})
	require.NoError(t, err)
	require.True(t, created)
	_, err = f.broker.PlaceMarketOrder(ctx, broker.OrderRequest{
		AccountID: "acct", Instrument: "EUR_USD", Side: model.SideLong, Units: 1000, ClientRef: "ref-1",
	})
	require.NoError(t, err)

	rep, err := f.exec.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)
	assert.Equal(t, 1, rep.Restored)

	open := f.book.Open("acct")
	require.Len(t, open, 1)
	assert.Equal(t, "ref-1", open[0].ClientRef)
	assert.Equal(t, 1.1002, open[0].EntryPrice)

	counts, err := f.ledger.DailyCounts(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, DayCount{Trades: 1, Risk: 20}, counts["acct"])
}

func TestReconcile_BooksOrderFilledAfterLostResponse(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.broker.FailAfterNext(paper.OpPlaceOrder, broker.ErrTransient)
	f.broker.FailNext(paper.OpTradeByRef, broker.ErrTransient)
	f.broker.FailNext(paper.OpTradeByRef, broker.ErrTransient)

	_, err := f.exec.Execute(ctx, decision("ref-1"))
	require.Error(t, err)
	assert.True(t, InDoubt(err))
	assert.Empty(t, f.book.Open("acct"))

	res, err := f.exec.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, res[0].Filled)
	assert.Equal(t, "ref-1", res[0].ClientRef)
	assert.Equal(t, 100.0, res[0].RiskAmount)

	open := f.book.Open("acct")
	require.Len(t, open, 1)
	assert.Equal(t, "ref-1", open[0].ClientRef)
	assert.Equal(t, 50_000.0, open[0].Units)
	assert.Equal(t, model.StateEntry, open[0].State)
	assert.Contains(t, f.events.types(), model.EventOrderFilled)

	rec, err := f.ledger.Get(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, rec.Status)
	assert.Equal(t, 1, f.broker.Calls(paper.OpPlaceOrder))

	// Nothing is left to settle.
	res, err = f.exec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestReconcile_DropsOrderTheBrokerNeverSaw(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.broker.FailNext(paper.OpPlaceOrder, broker.ErrTransient)
	}
	_, err := f.exec.Execute(ctx, decision("ref-1"))
	require.True(t, InDoubt(err))

	res, err := f.exec.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.False(t, res[0].Filled)
	assert.Empty(t, f.book.Open("acct"))

	rec, _ := f.ledger.Get(ctx, "ref-1")
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestReconcile_SkipsOrderStillInFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.ledger.Reserve(ctx, OrderRecord{
		ClientRef: "ref-1", AccountID: "acct", Strategy: "trend", Instrument: "EUR_USD",
		Side: string(model.SideLong), Units: 1000, InitialUnits: 1000, SubmittedAt: t0,
	})
	require.NoError(t, err)
	require.True(t, f.exec.claim("ref-1"))

	res, err := f.exec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Zero(t, f.broker.Calls(paper.OpTradeByRef))

	rec, _ := f.ledger.Get(ctx, "ref-1")
	assert.Equal(t, StatusPending, rec.Status)
}

func TestLedger_SaveTradeRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	tr, err := f.exec.Execute(ctx, decision("ref-1"))
	require.NoError(t, err)

	tr.State = model.StateTrailing
	tr.Units = 25_000
	tr.TrailingStop = 1.1030
	tr.StopLoss = 1.1030
	require.NoError(t, f.ledger.SaveTrade(ctx, tr))

	open, err := f.ledger.OpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.StateTrailing, open[0].State)
	assert.Equal(t, 25_000.0, open[0].Units)
	assert.Equal(t, 50_000.0, open[0].InitialUnits)

	tr.State = model.StateClosed
	tr.Units = 0
	tr.ClosedAt = t0.Add(time.Hour)
	require.NoError(t, f.ledger.SaveTrade(ctx, tr))
	open, err = f.ledger.OpenTrades(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	recent, err := f.ledger.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.NotNil(t, recent[0].ClosedAt)

	assert.ErrorIs(t, f.ledger.SaveTrade(ctx, model.Trade{ClientRef: "missing"}), ErrNoRecord)
}
