package txncoord

import (
	"bytes"

	"github.com/google/btree"

	"github.com/coredbio/coredb/errs"
)

// shardRange is a btree item mapping [start, nextStart) of the shard key
// space to the participant that owns it; ordering is purely
// byte-lexicographic over start.
type shardRange struct {
	start       []byte
	participant ParticipantID
}

func (s shardRange) Less(other btree.Item) bool {
	return bytes.Compare(s.start, other.(shardRange).start) < 0
}

// CrossShardRouter maps a key to the participant shard that owns it, using
// an ordered byte-lexicographic range map rather than a fixed hash, so a
// range can be split or reassigned without rehashing every key.
type CrossShardRouter struct {
	ranges *btree.BTree
}

// NewCrossShardRouter builds an empty router.
func NewCrossShardRouter() *CrossShardRouter {
	return &CrossShardRouter{ranges: btree.New(32)}
}

// AssignRange assigns every key >= start (up to the next assigned start) to
// participant.
func (r *CrossShardRouter) AssignRange(start []byte, participant ParticipantID) {
	r.ranges.ReplaceOrInsert(shardRange{start: append([]byte(nil), start...), participant: participant})
}

// Route returns the participant owning key, the range whose start is the
// greatest value <= key.
func (r *CrossShardRouter) Route(key []byte) (ParticipantID, error) {
	var found *shardRange
	r.ranges.DescendLessOrEqual(shardRange{start: key}, func(item btree.Item) bool {
		sr := item.(shardRange)
		found = &sr
		return false
	})
	if found == nil {
		return "", errs.NotFound.New("no shard range covers key")
	}
	return found.participant, nil
}

// Participants returns every participant currently assigned a range, in
// key order, deduplicated.
func (r *CrossShardRouter) Participants() []ParticipantID {
	seen := make(map[ParticipantID]bool)
	var out []ParticipantID
	r.ranges.Ascend(func(item btree.Item) bool {
		p := item.(shardRange).participant
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
		return true
	})
	return out
}

// GetParticipants routes every key in keys and returns the deduplicated set
// of participants that own at least one of them, in first-seen order. A key
// that no assigned range covers is skipped rather than failing the whole
// call, since a caller building a participant set for a multi-key
// transaction cares which shards are actually involved, not about keys that
// don't yet have a home.
func (r *CrossShardRouter) GetParticipants(keys [][]byte) []ParticipantID {
	seen := make(map[ParticipantID]bool)
	var out []ParticipantID
	for _, key := range keys {
		p, err := r.Route(key)
		if err != nil {
			continue
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// IsSingleShard reports whether every key in keys routes to the same
// participant. A single-shard transaction can commit locally at that
// participant; a transaction spanning two or more shards needs two-phase
// commit to stay atomic across them.
func (r *CrossShardRouter) IsSingleShard(keys [][]byte) bool {
	return len(r.GetParticipants(keys)) <= 1
}
