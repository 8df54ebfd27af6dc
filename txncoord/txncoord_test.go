package txncoord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTest = errors.New("txncoord test failure")

type fakeParticipant struct {
	prepareErr error
	commits    []GlobalTxnID
	aborts     []GlobalTxnID
}

func (f *fakeParticipant) Prepare(ctx context.Context, txn GlobalTxnID, payload []byte) error {
	return f.prepareErr
}
func (f *fakeParticipant) Commit(ctx context.Context, txn GlobalTxnID) error {
	f.commits = append(f.commits, txn)
	return nil
}
func (f *fakeParticipant) Abort(ctx context.Context, txn GlobalTxnID) error {
	f.aborts = append(f.aborts, txn)
	return nil
}

// TestTwoPhaseCommitHappyPath verifies scenario S5: every participant
// votes yes, the transaction is durably committed, and every participant
// receives a commit call.
func TestTwoPhaseCommitHappyPath(t *testing.T) {
	log := NewMemTransactionLog()
	coord := New(DefaultConfig(), log)

	a := &fakeParticipant{}
	b := &fakeParticipant{}
	coord.RegisterParticipant("shard-a", a)
	coord.RegisterParticipant("shard-b", b)

	id, err := coord.Begin([]ParticipantID{"shard-a", "shard-b"}, []byte("ops"))
	require.NoError(t, err)

	require.NoError(t, coord.Prepare(context.Background(), id))
	require.NoError(t, coord.CommitPhase(context.Background(), id))

	state, err := coord.State(id)
	require.NoError(t, err)
	require.Equal(t, TxnCommitted, state)

	committed, err := log.IsCommitted(id)
	require.NoError(t, err)
	require.True(t, committed)

	require.Equal(t, []GlobalTxnID{id}, a.commits)
	require.Equal(t, []GlobalTxnID{id}, b.commits)
}

// TestTwoPhaseCommitAbortsOnNoVote verifies a single no vote aborts every
// participant and never logs a committed record, per presumed abort.
func TestTwoPhaseCommitAbortsOnNoVote(t *testing.T) {
	log := NewMemTransactionLog()
	coord := New(DefaultConfig(), log)

	a := &fakeParticipant{}
	b := &fakeParticipant{prepareErr: errTest}
	coord.RegisterParticipant("shard-a", a)
	coord.RegisterParticipant("shard-b", b)

	id, err := coord.Begin([]ParticipantID{"shard-a", "shard-b"}, nil)
	require.NoError(t, err)

	err = coord.Prepare(context.Background(), id)
	require.Error(t, err)

	state, err := coord.State(id)
	require.NoError(t, err)
	require.Equal(t, TxnAborted, state)

	committed, err := log.IsCommitted(id)
	require.NoError(t, err)
	require.False(t, committed)

	require.Equal(t, []GlobalTxnID{id}, a.aborts)
	require.Equal(t, []GlobalTxnID{id}, b.aborts)
}

// TestBeginRejectsAtConcurrencyCap verifies §4.D.1's max_concurrent_txns
// knob: once the cap is reached, Begin fails with ResourceExhausted rather
// than silently admitting another transaction.
func TestBeginRejectsAtConcurrencyCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentTxns = 1
	coord := New(cfg, NewMemTransactionLog())
	coord.RegisterParticipant("shard-a", &fakeParticipant{})

	_, err := coord.Begin([]ParticipantID{"shard-a"}, nil)
	require.NoError(t, err)

	_, err = coord.Begin([]ParticipantID{"shard-a"}, nil)
	require.Error(t, err)
}

// TestBeginAdmitsAfterTxnFinishes verifies the concurrency cap slot is
// freed once a transaction reaches a terminal state.
func TestBeginAdmitsAfterTxnFinishes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentTxns = 1
	coord := New(cfg, NewMemTransactionLog())
	coord.RegisterParticipant("shard-a", &fakeParticipant{})

	id, err := coord.Begin([]ParticipantID{"shard-a"}, nil)
	require.NoError(t, err)
	require.NoError(t, coord.Prepare(context.Background(), id))
	require.NoError(t, coord.CommitPhase(context.Background(), id))

	_, err = coord.Begin([]ParticipantID{"shard-a"}, nil)
	require.NoError(t, err)
}

// TestCommitRecordIsDurableBeforeParticipantCommitCalls verifies the commit
// log record is written before any participant's Commit is invoked, so a
// crash mid-send never leaves an in-doubt committed transaction with no
// durable record.
func TestCommitRecordIsDurableBeforeParticipantCommitCalls(t *testing.T) {
	log := NewMemTransactionLog()
	coord := New(DefaultConfig(), log)

	var sawCommittedBeforeCall bool
	p := &observingParticipant{
		onCommit: func(txn GlobalTxnID) {
			committed, _ := log.IsCommitted(txn)
			sawCommittedBeforeCall = committed
		},
	}
	coord.RegisterParticipant("shard-a", p)

	id, err := coord.Begin([]ParticipantID{"shard-a"}, nil)
	require.NoError(t, err)
	require.NoError(t, coord.Prepare(context.Background(), id))
	require.NoError(t, coord.CommitPhase(context.Background(), id))

	require.True(t, sawCommittedBeforeCall)
}

type observingParticipant struct {
	onCommit func(txn GlobalTxnID)
}

func (o *observingParticipant) Prepare(ctx context.Context, txn GlobalTxnID, payload []byte) error {
	return nil
}
func (o *observingParticipant) Commit(ctx context.Context, txn GlobalTxnID) error {
	o.onCommit(txn)
	return nil
}
func (o *observingParticipant) Abort(ctx context.Context, txn GlobalTxnID) error { return nil }

func TestCommitPhaseRequiresPreparedState(t *testing.T) {
	log := NewMemTransactionLog()
	coord := New(DefaultConfig(), log)
	coord.RegisterParticipant("shard-a", &fakeParticipant{})

	id, err := coord.Begin([]ParticipantID{"shard-a"}, nil)
	require.NoError(t, err)

	err = coord.CommitPhase(context.Background(), id)
	require.Error(t, err)
}

func TestRecoverReplaysCommittedAndAbortsInDoubt(t *testing.T) {
	log := NewMemTransactionLog()
	coord := New(DefaultConfig(), log)
	a := &fakeParticipant{}
	coord.RegisterParticipant("shard-a", a)

	require.NoError(t, log.AppendPrepared(1, []ParticipantID{"shard-a"}, []byte("x")))
	require.NoError(t, log.AppendCommitted(1))
	require.NoError(t, log.AppendPrepared(2, []ParticipantID{"shard-a"}, []byte("y")))

	err := coord.Recover(context.Background(), []GlobalTxnID{1, 2})
	require.NoError(t, err)
	require.Equal(t, []GlobalTxnID{1}, a.commits)
	require.Equal(t, []GlobalTxnID{2}, a.aborts)
}

// TestSagaCompensatesInReverseOrder verifies scenario S6: a failure at the
// last step rolls back every earlier step, most recent first.
func TestSagaCompensatesInReverseOrder(t *testing.T) {
	var order []string
	saga := NewSaga([]SagaStep{
		{
			Name:       "reserve-inventory",
			Action:     func(ctx context.Context) error { order = append(order, "do:reserve"); return nil },
			Compensate: func(ctx context.Context) error { order = append(order, "undo:reserve"); return nil },
		},
		{
			Name:       "charge-payment",
			Action:     func(ctx context.Context) error { order = append(order, "do:charge"); return nil },
			Compensate: func(ctx context.Context) error { order = append(order, "undo:charge"); return nil },
		},
		{
			Name:   "ship-order",
			Action: func(ctx context.Context) error { return errTest },
		},
	})

	cfg := DefaultSagaConfig()
	cfg.MaxRetryAttempts = 1
	coord := NewSagaCoordinator(cfg, nil)
	state, err := coord.Execute(context.Background(), saga)
	require.Error(t, err)
	require.Equal(t, SagaCompensated, state)
	require.Equal(t, []string{"do:reserve", "do:charge", "undo:charge", "undo:reserve"}, order)
}

func TestSagaSucceedsWithoutCompensation(t *testing.T) {
	var ran []string
	saga := NewSaga([]SagaStep{
		{Name: "a", Action: func(ctx context.Context) error { ran = append(ran, "a"); return nil }},
		{Name: "b", Action: func(ctx context.Context) error { ran = append(ran, "b"); return nil }},
	})
	coord := NewSagaCoordinator(DefaultSagaConfig(), nil)
	state, err := coord.Execute(context.Background(), saga)
	require.NoError(t, err)
	require.Equal(t, SagaCompleted, state)
	require.Equal(t, []string{"a", "b"}, ran)
}

// TestSagaRetriesBeforeGivingUp verifies a step that fails transiently
// succeeds on a later attempt instead of triggering compensation.
func TestSagaRetriesBeforeGivingUp(t *testing.T) {
	attempts := 0
	saga := NewSaga([]SagaStep{
		{
			Name: "flaky",
			Action: func(ctx context.Context) error {
				attempts++
				if attempts < 3 {
					return errTest
				}
				return nil
			},
		},
	})

	cfg := DefaultSagaConfig()
	cfg.MaxRetryAttempts = 5
	coord := NewSagaCoordinator(cfg, nil)
	state, err := coord.Execute(context.Background(), saga)
	require.NoError(t, err)
	require.Equal(t, SagaCompleted, state)
	require.Equal(t, 3, attempts)
}

// TestSagaExhaustsRetriesThenCompensates verifies a step that never
// succeeds is attempted exactly MaxRetryAttempts times before compensation
// runs.
func TestSagaExhaustsRetriesThenCompensates(t *testing.T) {
	attempts := 0
	var order []string
	saga := NewSaga([]SagaStep{
		{
			Name:       "reserve",
			Action:     func(ctx context.Context) error { order = append(order, "do:reserve"); return nil },
			Compensate: func(ctx context.Context) error { order = append(order, "undo:reserve"); return nil },
		},
		{
			Name: "always-fails",
			Action: func(ctx context.Context) error {
				attempts++
				return errTest
			},
		},
	})

	cfg := DefaultSagaConfig()
	cfg.MaxRetryAttempts = 4
	coord := NewSagaCoordinator(cfg, nil)
	state, err := coord.Execute(context.Background(), saga)
	require.Error(t, err)
	require.Equal(t, SagaCompensated, state)
	require.Equal(t, 4, attempts)
	require.Equal(t, []string{"do:reserve", "undo:reserve"}, order)
}

// TestSagaFailedCompensationYieldsFailedState verifies Testable Property 7:
// when a compensation itself errors, the saga's terminal state is Failed,
// distinct from a clean Compensated rollback.
func TestSagaFailedCompensationYieldsFailedState(t *testing.T) {
	saga := NewSaga([]SagaStep{
		{
			Name:       "reserve",
			Action:     func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { return errTest },
		},
		{
			Name:   "fails",
			Action: func(ctx context.Context) error { return errTest },
		},
	})

	cfg := DefaultSagaConfig()
	cfg.MaxRetryAttempts = 1
	coord := NewSagaCoordinator(cfg, nil)
	state, err := coord.Execute(context.Background(), saga)
	require.Error(t, err)
	require.Equal(t, SagaFailed, state)
}

// TestSagaStepTimeoutCountsAsFailure verifies a step that blocks past its
// configured timeout counts as a failed attempt and is retried.
func TestSagaStepTimeoutCountsAsFailure(t *testing.T) {
	attempts := 0
	saga := NewSaga([]SagaStep{
		{
			Name: "slow-then-fast",
			Action: func(ctx context.Context) error {
				attempts++
				if attempts == 1 {
					<-ctx.Done()
					return ctx.Err()
				}
				return nil
			},
		},
	})

	cfg := SagaConfig{StepTimeout: 10 * time.Millisecond, MaxRetryAttempts: 2}
	coord := NewSagaCoordinator(cfg, nil)
	state, err := coord.Execute(context.Background(), saga)
	require.NoError(t, err)
	require.Equal(t, SagaCompleted, state)
	require.Equal(t, 2, attempts)
}

// TestDeadlockDetectionFindsCycle verifies a cycle A->B->C->A is found and
// a victim is chosen from within it.
func TestDeadlockDetectionFindsCycle(t *testing.T) {
	g := NewWaitForGraph()
	g.AddWait(1, 2)
	g.AddWait(2, 3)
	g.AddWait(3, 1)

	now := time.Now()
	startTimes := map[GlobalTxnID]time.Time{
		1: now,
		2: now.Add(1 * time.Second),
		3: now.Add(2 * time.Second),
	}

	det := NewDistributedDeadlockDetector(YoungestFirst)
	victim, cycle, found := det.DetectDeadlock(g, startTimes)
	require.True(t, found)
	require.Contains(t, cycle, victim)
	require.Equal(t, GlobalTxnID(3), victim) // youngest (latest start time)
}

func TestDeadlockDetectionNoCycle(t *testing.T) {
	g := NewWaitForGraph()
	g.AddWait(1, 2)
	g.AddWait(2, 3)

	det := NewDistributedDeadlockDetector(YoungestFirst)
	_, _, found := det.DetectDeadlock(g, nil)
	require.False(t, found)
}

func TestDeadlockDetectionOldestFirst(t *testing.T) {
	g := NewWaitForGraph()
	g.AddWait(1, 2)
	g.AddWait(2, 1)

	now := time.Now()
	startTimes := map[GlobalTxnID]time.Time{
		1: now,
		2: now.Add(1 * time.Second),
	}
	det := NewDistributedDeadlockDetector(OldestFirst)
	victim, _, found := det.DetectDeadlock(g, startTimes)
	require.True(t, found)
	require.Equal(t, GlobalTxnID(1), victim)
}

// TestDeadlockDetectorRunInvokesVictimCallback verifies the polling loop
// built from DeadlockConfig's detection_interval_ms actually fires a
// detection pass and reports a victim.
func TestDeadlockDetectorRunInvokesVictimCallback(t *testing.T) {
	g := NewWaitForGraph()
	g.AddWait(1, 2)
	g.AddWait(2, 1)
	now := time.Now()
	startTimes := map[GlobalTxnID]time.Time{1: now, 2: now.Add(time.Second)}

	cfg := DeadlockConfig{DetectionInterval: 5 * time.Millisecond, VictimStrategy: YoungestFirst}
	det := NewDistributedDeadlockDetectorFromConfig(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	victimCh := make(chan GlobalTxnID, 1)
	det.Run(ctx, func() (*WaitForGraph, map[GlobalTxnID]time.Time) {
		return g, startTimes
	}, func(victim GlobalTxnID, cycle []GlobalTxnID) {
		select {
		case victimCh <- victim:
		default:
		}
	})

	select {
	case v := <-victimCh:
		require.Equal(t, GlobalTxnID(2), v)
	default:
		t.Fatal("expected Run to invoke onVictim before ctx expired")
	}
}

func TestCrossShardRouterRoutesByRange(t *testing.T) {
	r := NewCrossShardRouter()
	r.AssignRange([]byte("a"), "shard-0")
	r.AssignRange([]byte("m"), "shard-1")
	r.AssignRange([]byte("t"), "shard-2")

	p, err := r.Route([]byte("apple"))
	require.NoError(t, err)
	require.Equal(t, ParticipantID("shard-0"), p)

	p, err = r.Route([]byte("melon"))
	require.NoError(t, err)
	require.Equal(t, ParticipantID("shard-1"), p)

	p, err = r.Route([]byte("zebra"))
	require.NoError(t, err)
	require.Equal(t, ParticipantID("shard-2"), p)
}

func TestCrossShardRouterRejectsKeyBelowFirstRange(t *testing.T) {
	r := NewCrossShardRouter()
	r.AssignRange([]byte("m"), "shard-1")

	_, err := r.Route([]byte("apple"))
	require.Error(t, err)
}

// TestGetParticipantsDedupesAcrossKeys verifies routing a key set returns
// one entry per distinct participant, not one per key.
func TestGetParticipantsDedupesAcrossKeys(t *testing.T) {
	r := NewCrossShardRouter()
	r.AssignRange([]byte("a"), "shard-0")
	r.AssignRange([]byte("m"), "shard-1")

	got := r.GetParticipants([][]byte{[]byte("apple"), []byte("avocado"), []byte("melon")})
	require.Equal(t, []ParticipantID{"shard-0", "shard-1"}, got)
}

// TestIsSingleShardClassifiesKeySets verifies the single-/multi-shard
// classification used to decide between a local commit and two-phase
// commit.
func TestIsSingleShardClassifiesKeySets(t *testing.T) {
	r := NewCrossShardRouter()
	r.AssignRange([]byte("a"), "shard-0")
	r.AssignRange([]byte("m"), "shard-1")

	require.True(t, r.IsSingleShard([][]byte{[]byte("apple"), []byte("avocado")}))
	require.False(t, r.IsSingleShard([][]byte{[]byte("apple"), []byte("melon")}))
}
