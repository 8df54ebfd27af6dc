package txncoord

import (
	"encoding/binary"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/coredbio/coredb/errs"
)

// LogEntryType discriminates the two record kinds ever written to the
// transaction log. Presumed abort means a third kind, Aborted, is never
// logged: the recovery protocol treats any transaction that is not found
// as Committed as aborted.
type LogEntryType uint8

const (
	logEntryPrepared LogEntryType = iota + 1
	logEntryCommitted
)

// TransactionLog is the durable write-ahead record the coordinator
// consults during crash recovery.
type TransactionLog interface {
	AppendPrepared(txn GlobalTxnID, participants []ParticipantID, payload []byte) error
	AppendCommitted(txn GlobalTxnID) error
	IsCommitted(txn GlobalTxnID) (bool, error)
	IsPrepared(txn GlobalTxnID) (bool, []ParticipantID, []byte, error)
	Close() error
}

var bucketName = []byte("txncoord_log")

// BoltTransactionLog is a TransactionLog backed by a boltdb file, durable
// across coordinator restarts.
type BoltTransactionLog struct {
	db *bolt.DB
}

// OpenBoltTransactionLog opens (creating if absent) a bolt-backed
// transaction log at path.
func OpenBoltTransactionLog(path string) (*BoltTransactionLog, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "txncoord: open bolt log")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "txncoord: create bolt bucket")
	}
	return &BoltTransactionLog{db: db}, nil
}

func preparedKey(txn GlobalTxnID) []byte {
	k := make([]byte, 9)
	binary.BigEndian.PutUint64(k[1:], uint64(txn))
	k[0] = byte(logEntryPrepared)
	return k
}

func committedKey(txn GlobalTxnID) []byte {
	k := make([]byte, 9)
	binary.BigEndian.PutUint64(k[1:], uint64(txn))
	k[0] = byte(logEntryCommitted)
	return k
}

// AppendPrepared durably records that every participant voted to commit,
// compressing the operations payload with snappy before writing it.
func (l *BoltTransactionLog) AppendPrepared(txn GlobalTxnID, participants []ParticipantID, payload []byte) error {
	value := encodePreparedRecord(participants, payload)
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(preparedKey(txn), value)
	})
}

// AppendCommitted durably records the transaction's commit decision.
func (l *BoltTransactionLog) AppendCommitted(txn GlobalTxnID) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(committedKey(txn), []byte{1})
	})
}

// IsCommitted reports whether txn has a committed record.
func (l *BoltTransactionLog) IsCommitted(txn GlobalTxnID) (bool, error) {
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketName).Get(committedKey(txn)) != nil
		return nil
	})
	return found, err
}

// IsPrepared reports whether txn has a prepared record, returning its
// stored participants and payload if so.
func (l *BoltTransactionLog) IsPrepared(txn GlobalTxnID) (bool, []ParticipantID, []byte, error) {
	var participants []ParticipantID
	var payload []byte
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(preparedKey(txn))
		if v == nil {
			return nil
		}
		found = true
		var decodeErr error
		participants, payload, decodeErr = decodePreparedRecord(v)
		return decodeErr
	})
	return found, participants, payload, err
}

// Close releases the underlying bolt file handle.
func (l *BoltTransactionLog) Close() error {
	return l.db.Close()
}

func encodePreparedRecord(participants []ParticipantID, payload []byte) []byte {
	compressed := snappy.Encode(nil, payload)

	buf := make([]byte, 0, 4+len(participants)*32+4+len(compressed))
	buf = appendUint32(buf, uint32(len(participants)))
	for _, p := range participants {
		buf = appendUint32(buf, uint32(len(p)))
		buf = append(buf, p...)
	}
	buf = appendUint32(buf, uint32(len(compressed)))
	buf = append(buf, compressed...)
	return buf
}

func decodePreparedRecord(data []byte) ([]ParticipantID, []byte, error) {
	if len(data) < 4 {
		return nil, nil, errs.InvalidFormat.New("prepared record too short")
	}
	n := binary.BigEndian.Uint32(data)
	off := 4
	participants := make([]ParticipantID, n)
	for i := range participants {
		if off+4 > len(data) {
			return nil, nil, errs.InvalidFormat.New("prepared record truncated")
		}
		l := binary.BigEndian.Uint32(data[off:])
		off += 4
		if off+int(l) > len(data) {
			return nil, nil, errs.InvalidFormat.New("prepared record truncated")
		}
		participants[i] = ParticipantID(data[off : off+int(l)])
		off += int(l)
	}
	if off+4 > len(data) {
		return nil, nil, errs.InvalidFormat.New("prepared record missing payload length")
	}
	plen := binary.BigEndian.Uint32(data[off:])
	off += 4
	if off+int(plen) > len(data) {
		return nil, nil, errs.InvalidFormat.New("prepared record payload truncated")
	}
	compressed := data[off : off+int(plen)]
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, nil, errors.Wrap(err, "txncoord: snappy decode")
	}
	return participants, payload, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return append(buf, b...)
}

// MemTransactionLog is an in-memory TransactionLog, used in tests and for
// single-process deployments that accept losing in-doubt transactions on
// crash.
type MemTransactionLog struct {
	mu         sync.RWMutex
	prepared   map[GlobalTxnID]preparedRecord
	committed  map[GlobalTxnID]bool
}

type preparedRecord struct {
	participants []ParticipantID
	payload      []byte
}

// NewMemTransactionLog builds an empty in-memory log.
func NewMemTransactionLog() *MemTransactionLog {
	return &MemTransactionLog{
		prepared:  make(map[GlobalTxnID]preparedRecord),
		committed: make(map[GlobalTxnID]bool),
	}
}

func (l *MemTransactionLog) AppendPrepared(txn GlobalTxnID, participants []ParticipantID, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prepared[txn] = preparedRecord{participants: append([]ParticipantID(nil), participants...), payload: payload}
	return nil
}

func (l *MemTransactionLog) AppendCommitted(txn GlobalTxnID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.committed[txn] = true
	return nil
}

func (l *MemTransactionLog) IsCommitted(txn GlobalTxnID) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.committed[txn], nil
}

func (l *MemTransactionLog) IsPrepared(txn GlobalTxnID) (bool, []ParticipantID, []byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.prepared[txn]
	if !ok {
		return false, nil, nil, nil
	}
	return true, rec.participants, rec.payload, nil
}

func (l *MemTransactionLog) Close() error { return nil }
