package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Memory is a single concurrent key→tagged-entry map that mimics the
// Redis-backed State closely enough to be used in Standalone mode and in
// tests, but is not recommended for production: it has no persistence and
// no cross-process sharing. It mirrors the in-memory
// replicator design — a local stand-in exercising the same interface real
// Redis satisfies.
type Memory struct {
	mu      sync.Mutex
	strings map[string]*memoryString
	sets    map[string]map[string]struct{}
	streams map[string][]StreamEntry

	// seq disambiguates stream ids minted within the same millisecond,
	// the same way Redis stream entry ids do (<ms>-<seq>).
	lastMillis int64
	seq        int64
}

type memoryString struct {
	value string
	timer *time.Timer
}

var logger = logrus.WithFields(logrus.Fields{"app": "crymatch", "component": "state.memory"})

// NewMemory constructs an empty in-memory State.
func NewMemory() *Memory {
	return &Memory{
		strings: make(map[string]*memoryString),
		sets:    make(map[string]map[string]struct{}),
		streams: make(map[string][]StreamEntry),
	}
}

func (m *Memory) nextStreamID() string {
	now := time.Now().UnixMilli()
	if now == m.lastMillis {
		m.seq++
	} else {
		m.lastMillis = now
		m.seq = 0
	}
	return fmt.Sprintf("%d-%d", now, m.seq)
}

func (m *Memory) GetString(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strings[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return s.value, nil
}

func (m *Memory) SetString(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStringLocked(key, value, ttl)
	return nil
}

func (m *Memory) setStringLocked(key, value string, ttl time.Duration) {
	if old, ok := m.strings[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	entry := &memoryString{value: value}
	if ttl > 0 {
		entry.timer = time.AfterFunc(ttl, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, ok := m.strings[key]; ok && cur == entry {
				delete(m.strings, key)
			}
		})
	}
	m.strings[key] = entry
}

func (m *Memory) SetStringIfNotExists(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strings[key]; ok {
		logger.WithFields(logrus.Fields{"key": key}).Trace("SetStringIfNotExists: key already present")
		return false, nil
	}
	m.setStringLocked(key, value, ttl)
	return true, nil
}

func (m *Memory) KeyDelete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.strings[key]; ok {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(m.strings, key)
	}
	delete(m.sets, key)
	delete(m.streams, key)
	return nil
}

func (m *Memory) KeyType(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strings[key]; ok {
		return "string", nil
	}
	if _, ok := m.sets[key]; ok {
		return "set", nil
	}
	if _, ok := m.streams[key]; ok {
		return "stream", nil
	}
	return "", nil
}

func (m *Memory) StreamAdd(_ context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextStreamID()
	m.streams[key] = append(m.streams[key], StreamEntry{ID: id, Data: append([]byte(nil), data...)})
	return id, nil
}

func (m *Memory) StreamAddBatch(_ context.Context, key string, datas [][]byte) ([]string, []error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(datas))
	errs := make([]error, len(datas))
	for i, d := range datas {
		id := m.nextStreamID()
		m.streams[key] = append(m.streams[key], StreamEntry{ID: id, Data: append([]byte(nil), d...)})
		ids[i] = id
	}
	return ids, errs
}

func (m *Memory) StreamRead(_ context.Context, key string, maxCount int) ([]StreamEntry, error) {
	if maxCount <= 0 {
		maxCount = BatchLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.streams[key]
	if len(entries) > maxCount {
		entries = entries[:maxCount]
	}
	out := make([]StreamEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *Memory) StreamDelete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, key)
	return nil
}

func (m *Memory) StreamDeleteMessages(_ context.Context, key string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.streams[key]
	removed := 0
	kept := entries[:0:0]
	for _, e := range entries {
		if _, hit := want[e.ID]; hit {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(m.streams, key)
	} else {
		m.streams[key] = kept
	}
	return removed, nil
}

func (m *Memory) SetAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setAddLocked(key, member)
	return nil
}

func (m *Memory) setAddLocked(key, member string) {
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
}

func (m *Memory) SetAddBatch(_ context.Context, key string, members []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		m.setAddLocked(key, member)
	}
	return nil
}

func (m *Memory) SetRemove(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRemoveLocked(key, member)
	return nil
}

func (m *Memory) setRemoveLocked(key, member string) {
	set, ok := m.sets[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m.sets, key)
	}
}

func (m *Memory) SetRemoveBatch(_ context.Context, key string, members []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		m.setRemoveLocked(key, member)
	}
	return nil
}

func (m *Memory) SetContains(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return false, nil
	}
	_, present := set[member]
	return present, nil
}

func (m *Memory) SetContainsBatch(_ context.Context, key string, members []string) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	out := make([]bool, len(members))
	for i, member := range members {
		if set != nil {
			_, out[i] = set[member]
		}
	}
	return out, nil
}

func (m *Memory) GetSetValues(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out, nil
}
