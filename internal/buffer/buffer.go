// Package buffer holds sensor records while the node is offline: a fixed-capacity ring
// that evicts on overflow and is persisted as a single blob.
package buffer

import (
	"errors"
	"fmt"
	"log"

	"github.com/LeonardoBeccarini/plant_node/internal/model"
	"github.com/LeonardoBeccarini/plant_node/pkg/codec"
	"github.com/LeonardoBeccarini/plant_node/pkg/store"
)

// DefaultCapacity matches the flash budget of the node.
const DefaultCapacity = 500

// ErrCorruptState is returned by LoadState when the stored blob cannot be used.
// The buffer is left untouched.
var ErrCorruptState = errors.New("buffer: corrupt persisted state")

// Buffer is a ring of SensorRecord. Not safe for concurrent use: the upload pipeline is
// its only owner.
type Buffer struct {
	records []model.SensorRecord
	head    int // oldest
	tail    int // next free slot
	count   int

	st     store.Store
	logger *log.Logger
}

// New builds an empty buffer of the given capacity persisting to st. st may be nil for a
// purely in-memory buffer, in which case SaveState and LoadState are no-ops.
func New(capacity int, st store.Store, logger *log.Logger) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = log.Default()
	}
	b := &Buffer{
		records: make([]model.SensorRecord, capacity),
		st:      st,
		logger:  logger,
	}
	b.Init()
	return b
}

// Init zeroes head, tail and count.
func (b *Buffer) Init() {
	b.head, b.tail, b.count = 0, 0, 0
}

func (b *Buffer) Cap() int { return len(b.records) }
func (b *Buffer) Len() int { return b.count }
func (b *Buffer) IsFull() bool { return b.count == len(b.records) }
func (b *Buffer) IsEmpty() bool { return b.count == 0 }

// step moves index i by delta positions around the ring. All index arithmetic goes
// through here.
func (b *Buffer) step(i, delta int) int {
	n := len(b.records)
	return ((i+delta)%n + n) % n
}

// PushBack appends r as the newest record. On a full buffer the oldest record is evicted.
func (b *Buffer) PushBack(r model.SensorRecord) {
	if b.IsFull() {
		b.logger.Printf("buffer: full, overwriting oldest record (ts=%d)", b.records[b.head].Timestamp)
		b.head = b.step(b.head, 1)
		b.count--
	}
	b.records[b.tail] = r
	b.tail = b.step(b.tail, 1)
	b.count++
}

// PushFront inserts r as the oldest record. On a full buffer the newest record is evicted.
func (b *Buffer) PushFront(r model.SensorRecord) {
	if b.IsFull() {
		b.tail = b.step(b.tail, -1)
		b.logger.Printf("buffer: full, overwriting newest record (ts=%d)", b.records[b.tail].Timestamp)
		b.count--
	}
	b.head = b.step(b.head, -1)
	b.records[b.head] = r
	b.count++
}

// PopFront removes and returns the oldest record. ok is false when the buffer is empty.
func (b *Buffer) PopFront() (r model.SensorRecord, ok bool) {
	if b.IsEmpty() {
		return r, false
	}
	r = b.records[b.head]
	b.head = b.step(b.head, 1)
	b.count--
	return r, true
}

// PopBack removes and returns the newest record. ok is false when the buffer is empty.
func (b *Buffer) PopBack() (r model.SensorRecord, ok bool) {
	if b.IsEmpty() {
		return r, false
	}
	b.tail = b.step(b.tail, -1)
	r = b.records[b.tail]
	b.count--
	return r, true
}

// Snapshot returns the live records, oldest first.
func (b *Buffer) Snapshot() []model.SensorRecord {
	out := make([]model.SensorRecord, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.records[b.step(b.head, i)])
	}
	return out
}

// state is the persisted blob layout.
type state struct {
	Capacity int                  `cbor:"capacity"`
	Head     int                  `cbor:"head"`
	Tail     int                  `cbor:"tail"`
	Count    int                  `cbor:"count"`
	Records  []model.SensorRecord `cbor:"records"`
}

// SaveState writes the whole ring, including dead slots, as one blob.
func (b *Buffer) SaveState() error {
	if b.st == nil {
		return nil
	}
	blob, err := codec.Marshal(state{
		Capacity: len(b.records),
		Head:     b.head,
		Tail:     b.tail,
		Count:    b.count,
		Records:  b.records,
	})
	if err != nil {
		return fmt.Errorf("encode buffer: %w", err)
	}
	sess := store.Begin(b.st, model.BufferNamespace)
	if err := sess.PutBytes(model.BufferKey, blob); err != nil {
		sess.End()
		return fmt.Errorf("save buffer: %w", err)
	}
	return sess.End()
}

// LoadState restores a previously saved ring. With no saved blob the buffer is left as is
// and nil is returned; call Init first for a clean start.
func (b *Buffer) LoadState() error {
	if b.st == nil {
		return nil
	}
	sess := store.Begin(b.st, model.BufferNamespace)
	blob, ok := sess.GetBytes(model.BufferKey)
	sess.End()
	if !ok {
		return nil
	}

	var s state
	if err := codec.Unmarshal(blob, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	n := len(b.records)
	switch {
	case s.Capacity != n || len(s.Records) != n:
		return fmt.Errorf("%w: capacity %d, want %d", ErrCorruptState, s.Capacity, n)
	case s.Count < 0 || s.Count > n:
		return fmt.Errorf("%w: count %d out of range", ErrCorruptState, s.Count)
	case s.Head < 0 || s.Head >= n || s.Tail < 0 || s.Tail >= n:
		return fmt.Errorf("%w: head %d tail %d out of range", ErrCorruptState, s.Head, s.Tail)
	case (s.Head+s.Count)%n != s.Tail:
		return fmt.Errorf("%w: head %d + count %d != tail %d", ErrCorruptState, s.Head, s.Count, s.Tail)
	}

	copy(b.records, s.Records)
	b.head, b.tail, b.count = s.Head, s.Tail, s.Count
	return nil
}
