// Package txncoord implements a distributed transaction coordinator: a
// two-phase commit protocol with presumed abort, a saga coordinator for
// long-running compensable workflows, a wait-for-graph deadlock detector
// spanning multiple nodes, and a cross-shard key router.
package txncoord

import (
	"context"
	"time"
)

// GlobalTxnID identifies a distributed transaction across every
// participant shard.
type GlobalTxnID uint64

// ParticipantID names a shard or node taking part in a transaction.
type ParticipantID string

// TxnState is the two-phase commit state machine's current phase.
type TxnState int

const (
	TxnActive TxnState = iota
	TxnPreparing
	TxnPrepared
	TxnCommitting
	TxnCommitted
	TxnAborting
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "active"
	case TxnPreparing:
		return "preparing"
	case TxnPrepared:
		return "prepared"
	case TxnCommitting:
		return "committing"
	case TxnCommitted:
		return "committed"
	case TxnAborting:
		return "aborting"
	case TxnAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Participant is the transport-agnostic seam the coordinator drives; a
// caller supplies one implementation per ParticipantID, typically a thin
// RPC client to that shard.
type Participant interface {
	Prepare(ctx context.Context, txn GlobalTxnID, payload []byte) error
	Commit(ctx context.Context, txn GlobalTxnID) error
	Abort(ctx context.Context, txn GlobalTxnID) error
}

// DistributedTransaction is the coordinator's bookkeeping record for one
// in-flight or completed transaction.
type DistributedTransaction struct {
	ID           GlobalTxnID
	Participants []ParticipantID
	State        TxnState
	StartedAt    time.Time
	Payload      []byte // caller-supplied operations blob, logged alongside Prepared
}
