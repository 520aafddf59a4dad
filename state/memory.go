package state

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entryKind int

const (
	kindString entryKind = iota
	kindSet
	kindStream
)

// memEntry is a tagged union: exactly one of str/set/stream is meaningful
// depending on kind. generation guards TTL timers against a key that was
// deleted and re-created before the timer fired.
type memEntry struct {
	kind       entryKind
	generation uint64
	str        string
	set        map[string]struct{}
	stream     []StreamMessage
}

// Memory is the in-process State backend. A single mutex guards the whole
// key space; every operation is a short critical section so contention stays
// negligible at the batch sizes this codebase uses.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*memEntry
	generation uint64
}

var _ State = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memEntry)}
}

func (m *Memory) GetString(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", nil
	}
	if e.kind != kindString {
		return "", ErrWrongKeyType
	}
	return e.str, nil
}

func (m *Memory) SetString(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if ok && e.kind != kindString {
		return ErrWrongKeyType
	}
	m.generation++
	generation := m.generation
	m.entries[key] = &memEntry{kind: kindString, generation: generation, str: value}
	if ttl > 0 {
		m.expireAfter(key, generation, ttl)
	}
	return nil
}

// expireAfter removes key after ttl unless the entry was replaced in the
// meantime. Caller must hold the lock.
func (m *Memory) expireAfter(key string, generation uint64, ttl time.Duration) {
	time.AfterFunc(ttl, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.entries[key]; ok && e.generation == generation {
			delete(m.entries, key)
		}
	})
}

func (m *Memory) streamEntry(key string) (*memEntry, error) {
	e, ok := m.entries[key]
	if !ok {
		e = &memEntry{kind: kindStream}
		m.entries[key] = e
		return e, nil
	}
	if e.kind != kindStream {
		return nil, ErrWrongKeyType
	}
	return e, nil
}

func (m *Memory) StreamAdd(_ context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.streamEntry(key)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	e.stream = append(e.stream, StreamMessage{ID: id, Data: data})
	return id, nil
}

func (m *Memory) StreamAddBatch(_ context.Context, key string, datas [][]byte) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.streamEntry(key)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(datas))
	for i, data := range datas {
		ids[i] = uuid.NewString()
		e.stream = append(e.stream, StreamMessage{ID: ids[i], Data: data})
	}
	return ids, nil
}

func (m *Memory) StreamRead(_ context.Context, key string, maxCount int64) ([]StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if e.kind != kindStream {
		return nil, ErrWrongKeyType
	}
	n := len(e.stream)
	if maxCount > 0 && int64(n) > maxCount {
		n = int(maxCount)
	}
	out := make([]StreamMessage, n)
	copy(out, e.stream[:n])
	return out, nil
}

func (m *Memory) StreamDelete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		if e.kind != kindStream {
			return ErrWrongKeyType
		}
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) StreamDeleteMessages(_ context.Context, key string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0, nil
	}
	if e.kind != kindStream {
		return 0, ErrWrongKeyType
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := e.stream[:0]
	var removed int64
	for _, msg := range e.stream {
		if _, gone := drop[msg.ID]; gone {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	e.stream = kept
	return removed, nil
}

func (m *Memory) setEntry(key string) (*memEntry, error) {
	e, ok := m.entries[key]
	if !ok {
		e = &memEntry{kind: kindSet, set: make(map[string]struct{})}
		m.entries[key] = e
		return e, nil
	}
	if e.kind != kindSet {
		return nil, ErrWrongKeyType
	}
	return e, nil
}

func (m *Memory) SetAdd(_ context.Context, key string, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.setEntry(key)
	if err != nil {
		return false, err
	}
	if _, exists := e.set[member]; exists {
		return false, nil
	}
	e.set[member] = struct{}{}
	return true, nil
}

func (m *Memory) SetAddBatch(_ context.Context, key string, members []string) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.setEntry(key)
	if err != nil {
		return nil, err
	}
	added := make([]bool, len(members))
	for i, member := range members {
		if _, exists := e.set[member]; !exists {
			e.set[member] = struct{}{}
			added[i] = true
		}
	}
	return added, nil
}

// removeMember deletes member and drops the whole set entry when it becomes
// empty. Caller must hold the lock.
func (m *Memory) removeMember(key string, e *memEntry, member string) bool {
	if _, exists := e.set[member]; !exists {
		return false
	}
	delete(e.set, member)
	if len(e.set) == 0 {
		delete(m.entries, key)
	}
	return true
}

func (m *Memory) SetRemove(_ context.Context, key string, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if e.kind != kindSet {
		return false, ErrWrongKeyType
	}
	return m.removeMember(key, e, member), nil
}

func (m *Memory) SetRemoveBatch(_ context.Context, key string, members []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0, nil
	}
	if e.kind != kindSet {
		return 0, ErrWrongKeyType
	}
	var removed int64
	for _, member := range members {
		if m.removeMember(key, e, member) {
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) SetContains(_ context.Context, key string, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if e.kind != kindSet {
		return false, ErrWrongKeyType
	}
	_, exists := e.set[member]
	return exists, nil
}

func (m *Memory) SetContainsBatch(_ context.Context, key string, members []string) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	contains := make([]bool, len(members))
	e, ok := m.entries[key]
	if !ok {
		return contains, nil
	}
	if e.kind != kindSet {
		return nil, ErrWrongKeyType
	}
	for i, member := range members {
		_, contains[i] = e.set[member]
	}
	return contains, nil
}

func (m *Memory) GetSetValues(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if e.kind != kindSet {
		return nil, ErrWrongKeyType
	}
	values := make([]string, 0, len(e.set))
	for member := range e.set {
		values = append(values, member)
	}
	return values, nil
}

func (m *Memory) KeyDelete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) KeyType(_ context.Context, key string) (KeyType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return KeyTypeNone, nil
	}
	switch e.kind {
	case kindString:
		return KeyTypeString, nil
	case kindSet:
		return KeyTypeSet, nil
	default:
		return KeyTypeStream, nil
	}
}

func (m *Memory) Close() error {
	return nil
}
