// Package store persists chat messages in a PebbleDB key-value store,
// keyed so that one room's log is a contiguous, insertion-ordered range.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/gosuda/roomchat/chat"
)

const (
	// DefaultLimit is the recent-window size when none is requested.
	DefaultLimit = 200
	// MaxLimit caps a requested recent window.
	MaxLimit = 1000
)

// Key layout:
//
//	m!<room>\x00<seq>  -> message JSON (seq: 8-byte big-endian, global)
//	r!<room>           -> empty       (room has at least one message)
//
// Room names are normalized upstream and never contain NUL, so the
// separator is unambiguous. The global sequence preserves insertion
// order within each room's range.
const (
	msgPrefix  = "m!"
	roomPrefix = "r!"
)

// Store is an append-only, durable log of messages keyed by room.
type Store struct {
	db   *pebble.DB
	mu   sync.Mutex
	next uint64
}

// Open opens (or creates) the store under dir and recovers the next
// sequence number from the existing keys.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	s := &Store{db: db}
	if err := s.recoverSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) recoverSeq() error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(msgPrefix),
		UpperBound: []byte(prefixEnd(msgPrefix)),
	})
	if err != nil {
		return fmt.Errorf("recover sequence: %w", err)
	}
	defer func() { _ = it.Close() }()
	// Keys sort by room first, so every key has to be visited to find the
	// highest sequence.
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		if len(key) < 8 {
			continue
		}
		if seq := binary.BigEndian.Uint64(key[len(key)-8:]); seq >= s.next {
			s.next = seq + 1
		}
	}
	return nil
}

// Append durably persists one message. The caller must not consider the
// message sent until Append has returned nil.
func (s *Store) Append(m chat.Message) error {
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := msgKey(m.Room, s.next)
	b := s.db.NewBatch()
	_ = b.Set(key, val, nil)
	_ = b.Set([]byte(roomPrefix+m.Room), nil, nil)
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	s.next++
	return nil
}

// Recent returns up to limit most recent messages for room, ascending.
// A non-positive limit means DefaultLimit; anything above MaxLimit is
// clamped down.
func (s *Store) Recent(room string, limit int) ([]chat.Message, error) {
	limit = ClampLimit(limit)
	it, err := s.db.NewIter(roomBounds(room))
	if err != nil {
		return nil, fmt.Errorf("recent %q: %w", room, err)
	}
	defer func() { _ = it.Close() }()
	out := make([]chat.Message, 0, limit)
	for ok := it.Last(); ok && len(out) < limit; ok = it.Prev() {
		var m chat.Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	// Collected newest-first; flip to ascending.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// FullRange returns every message for room in ascending order. A room
// with no history yields an empty, valid result.
func (s *Store) FullRange(room string) ([]chat.Message, error) {
	it, err := s.db.NewIter(roomBounds(room))
	if err != nil {
		return nil, fmt.Errorf("full range %q: %w", room, err)
	}
	defer func() { _ = it.Close() }()
	out := make([]chat.Message, 0, 64)
	for it.First(); it.Valid(); it.Next() {
		var m chat.Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ListRooms returns every room that has ever held a message, always
// including the lobby, sorted and without duplicates.
func (s *Store) ListRooms() ([]string, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(roomPrefix),
		UpperBound: []byte(prefixEnd(roomPrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer func() { _ = it.Close() }()
	names := map[string]struct{}{chat.DefaultRoom: {}}
	for it.First(); it.Valid(); it.Next() {
		names[string(it.Key()[len(roomPrefix):])] = struct{}{}
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ClampLimit resolves a requested window size: non-positive values fall
// back to DefaultLimit, oversized ones are capped at MaxLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

func msgKey(room string, seq uint64) []byte {
	key := make([]byte, 0, len(msgPrefix)+len(room)+1+8)
	key = append(key, msgPrefix...)
	key = append(key, room...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, seq)
}

func roomBounds(room string) *pebble.IterOptions {
	lo := make([]byte, 0, len(msgPrefix)+len(room)+1)
	lo = append(lo, msgPrefix...)
	lo = append(lo, room...)
	hi := append(append([]byte{}, lo...), 1)
	lo = append(lo, 0)
	return &pebble.IterOptions{LowerBound: lo, UpperBound: hi}
}

// prefixEnd returns the key immediately after every key with the prefix.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	b[len(b)-1]++
	return string(b)
}
