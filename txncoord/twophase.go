package txncoord

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/coredbio/coredb/errs"
)

// Config holds the tunable knobs of a TwoPhaseCommitCoordinator.
type Config struct {
	PresumedAbort     bool          `yaml:"presumed_abort"`
	PrepareTimeout    time.Duration `yaml:"prepare_timeout"`
	CommitTimeout     time.Duration `yaml:"commit_timeout"`
	MaxConcurrentTxns int           `yaml:"max_concurrent_txns"`
}

// DefaultConfig returns the Config used when a caller does not supply one.
func DefaultConfig() Config {
	return Config{
		PresumedAbort:     true,
		PrepareTimeout:    10 * time.Second,
		CommitTimeout:     10 * time.Second,
		MaxConcurrentTxns: 10_000,
	}
}

// Option configures a TwoPhaseCommitCoordinator at construction time.
type Option func(*TwoPhaseCommitCoordinator)

func WithLogger(l *logrus.Logger) Option {
	return func(c *TwoPhaseCommitCoordinator) { c.logger = l }
}

func WithTracer(t opentracing.Tracer) Option {
	return func(c *TwoPhaseCommitCoordinator) { c.tracer = t }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *TwoPhaseCommitCoordinator) { c.registerMetrics(reg) }
}

type twoPhaseMetrics struct {
	committed prometheus.Counter
	aborted   prometheus.Counter
	inFlight  prometheus.Gauge
}

func newTwoPhaseMetrics() *twoPhaseMetrics {
	return &twoPhaseMetrics{
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coredb", Subsystem: "txncoord", Name: "committed_total",
			Help: "Total number of transactions committed.",
		}),
		aborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coredb", Subsystem: "txncoord", Name: "aborted_total",
			Help: "Total number of transactions aborted.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coredb", Subsystem: "txncoord", Name: "in_flight",
			Help: "Current number of transactions between begin and commit/abort.",
		}),
	}
}

// TwoPhaseCommitCoordinator drives the prepare/commit handshake across a
// set of Participants, presuming abort for any in-doubt transaction that
// was never logged as committed.
type TwoPhaseCommitCoordinator struct {
	cfg          Config
	log          TransactionLog
	mu           sync.Mutex
	txns         map[GlobalTxnID]*DistributedTransaction
	participants map[ParticipantID]Participant
	nextID       uint64
	activeCount  int
	logger       *logrus.Logger
	tracer       opentracing.Tracer
	metrics      *twoPhaseMetrics
}

// New constructs a coordinator backed by log.
func New(cfg Config, log TransactionLog, opts ...Option) *TwoPhaseCommitCoordinator {
	c := &TwoPhaseCommitCoordinator{
		cfg:          cfg,
		log:          log,
		txns:         make(map[GlobalTxnID]*DistributedTransaction),
		participants: make(map[ParticipantID]Participant),
		logger:       logrus.New(),
		tracer:       opentracing.GlobalTracer(),
		metrics:      newTwoPhaseMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *TwoPhaseCommitCoordinator) registerMetrics(reg prometheus.Registerer) {
	for _, m := range []prometheus.Collector{c.metrics.committed, c.metrics.aborted, c.metrics.inFlight} {
		if err := reg.Register(m); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				c.logger.WithError(err).Warn("txncoord: failed to register metric")
			}
		}
	}
}

// RegisterParticipant binds id to the Participant the coordinator will
// call Prepare/Commit/Abort on.
func (c *TwoPhaseCommitCoordinator) RegisterParticipant(id ParticipantID, p Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants[id] = p
}

// Begin starts a new distributed transaction over the given participants.
func (c *TwoPhaseCommitCoordinator) Begin(participants []ParticipantID, payload []byte) (GlobalTxnID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(participants) == 0 {
		return 0, errs.InvalidInput.New("transaction requires at least one participant")
	}
	if c.cfg.MaxConcurrentTxns > 0 && c.activeCount >= c.cfg.MaxConcurrentTxns {
		return 0, errs.ResourceExhausted.New("at max concurrent transactions")
	}
	c.nextID++
	id := GlobalTxnID(c.nextID)
	c.txns[id] = &DistributedTransaction{
		ID:           id,
		Participants: append([]ParticipantID(nil), participants...),
		State:        TxnActive,
		StartedAt:    time.Now(),
		Payload:      payload,
	}
	c.activeCount++
	c.metrics.inFlight.Inc()
	return id, nil
}

func (c *TwoPhaseCommitCoordinator) getTxn(id GlobalTxnID) (*DistributedTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.txns[id]
	if !ok {
		return nil, errs.NotFound.New("transaction")
	}
	return txn, nil
}

// Prepare runs phase one: every participant votes to commit or abort. A
// single no vote, timeout, or error aborts the whole transaction.
func (c *TwoPhaseCommitCoordinator) Prepare(ctx context.Context, id GlobalTxnID) error {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, c.tracer, "txncoord.Prepare")
	defer span.Finish()

	txn, err := c.getTxn(id)
	if err != nil {
		return err
	}
	c.setState(txn, TxnPreparing)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
	defer cancel()

	var wg sync.WaitGroup
	votes := make(chan error, len(txn.Participants))
	for _, pid := range txn.Participants {
		p, ok := c.lookupParticipant(pid)
		if !ok {
			votes <- errs.NotFound.New("participant " + string(pid))
			continue
		}
		wg.Add(1)
		go func(p Participant) {
			defer wg.Done()
			votes <- p.Prepare(ctx, id, txn.Payload)
		}(p)
	}
	wg.Wait()
	close(votes)

	var merr *multierror.Error
	for v := range votes {
		if v != nil {
			merr = multierror.Append(merr, v)
		}
	}
	if merr.ErrorOrNil() != nil {
		c.logger.WithError(merr).WithField("txn", id).Warn("txncoord: prepare vote failed, aborting")
		return c.abortLocked(ctx, txn, merr)
	}

	if err := c.log.AppendPrepared(id, txn.Participants, txn.Payload); err != nil {
		return err
	}
	c.setState(txn, TxnPrepared)
	return nil
}

func (c *TwoPhaseCommitCoordinator) lookupParticipant(id ParticipantID) (Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[id]
	return p, ok
}

// CommitPhase runs phase two: tells every participant to commit and logs
// the durable commit decision.
func (c *TwoPhaseCommitCoordinator) CommitPhase(ctx context.Context, id GlobalTxnID) error {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, c.tracer, "txncoord.CommitPhase")
	defer span.Finish()

	txn, err := c.getTxn(id)
	if err != nil {
		return err
	}
	if txn.State != TxnPrepared {
		return errs.Conflict.New("transaction not in prepared state")
	}
	c.setState(txn, TxnCommitting)

	// The commit record must be durable before any participant is told to
	// commit. If the coordinator crashes mid-send, presumed-abort recovery
	// consults this record; writing it first means recovery always finds a
	// committed transaction in that state and re-drives the remaining
	// commit calls, rather than telling an already-committed participant to
	// abort.
	if err := c.log.AppendCommitted(id); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(txn.Participants))
	for _, pid := range txn.Participants {
		p, ok := c.lookupParticipant(pid)
		if !ok {
			errCh <- errs.NotFound.New("participant " + string(pid))
			continue
		}
		wg.Add(1)
		go func(p Participant) {
			defer wg.Done()
			errCh <- p.Commit(ctx, id)
		}(p)
	}
	wg.Wait()
	close(errCh)

	var merr *multierror.Error
	for e := range errCh {
		if e != nil {
			merr = multierror.Append(merr, e)
		}
	}
	if merr.ErrorOrNil() != nil {
		// Once the commit record is durable, the transaction is committed;
		// a participant that missed the call is reconciled by Recover
		// re-driving its commit from the durable log, not by retrying here.
		c.logger.WithError(merr).WithField("txn", id).Error("txncoord: commit call failed on some participants")
	}

	c.setState(txn, TxnCommitted)
	c.finishTxn()
	c.metrics.committed.Inc()
	c.metrics.inFlight.Dec()
	return nil
}

// Abort aborts a transaction explicitly, outside of a failed Prepare vote.
func (c *TwoPhaseCommitCoordinator) Abort(ctx context.Context, id GlobalTxnID) error {
	txn, err := c.getTxn(id)
	if err != nil {
		return err
	}
	return c.abortLocked(ctx, txn, nil)
}

func (c *TwoPhaseCommitCoordinator) abortLocked(ctx context.Context, txn *DistributedTransaction, cause error) error {
	c.setState(txn, TxnAborting)

	var wg sync.WaitGroup
	for _, pid := range txn.Participants {
		p, ok := c.lookupParticipant(pid)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(p Participant) {
			defer wg.Done()
			if err := p.Abort(ctx, txn.ID); err != nil {
				c.logger.WithError(err).WithField("txn", txn.ID).Warn("txncoord: participant abort call failed")
			}
		}(p)
	}
	wg.Wait()

	// Presumed abort: no abort record is ever written. Recovery treats any
	// transaction absent from the committed set as aborted, so there is
	// nothing durable left to do here.
	c.setState(txn, TxnAborted)
	c.finishTxn()
	c.metrics.aborted.Inc()
	c.metrics.inFlight.Dec()
	if cause != nil {
		return errs.Conflict.Wrap(cause, "transaction aborted")
	}
	return nil
}

func (c *TwoPhaseCommitCoordinator) setState(txn *DistributedTransaction, s TxnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn.State = s
}

// finishTxn releases the concurrency-cap slot held by a transaction that
// has reached a terminal state.
func (c *TwoPhaseCommitCoordinator) finishTxn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeCount--
}

// State returns the current state of txn.
func (c *TwoPhaseCommitCoordinator) State(id GlobalTxnID) (TxnState, error) {
	txn, err := c.getTxn(id)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return txn.State, nil
}

// Recover resolves each candidate transaction id against the durable log:
// one found committed is re-driven through CommitPhase-equivalent commit
// calls; any other with a prepared record is presumed aborted and its
// participants are told to abort, per the presumed-abort optimization. A
// candidate with no prepared record is skipped.
func (c *TwoPhaseCommitCoordinator) Recover(ctx context.Context, candidates []GlobalTxnID) error {
	var merr *multierror.Error
	for _, id := range candidates {
		committed, err := c.log.IsCommitted(id)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		prepared, participants, _, err := c.log.IsPrepared(id)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if !prepared {
			continue
		}
		for _, pid := range participants {
			p, ok := c.lookupParticipant(pid)
			if !ok {
				continue
			}
			if committed {
				if err := p.Commit(ctx, id); err != nil {
					merr = multierror.Append(merr, err)
				}
			} else {
				if err := p.Abort(ctx, id); err != nil {
					merr = multierror.Append(merr, err)
				}
			}
		}
	}
	return merr.ErrorOrNil()
}
