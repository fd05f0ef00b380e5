package event

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
)

// Journal keeps the most recent published events ordered by sequence number.
// Once full, appending evicts the oldest event.
type Journal struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
	evicted  uint64
}

// NewJournal creates a journal holding at most capacity events.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = 512
	}
	return &Journal{
		events:   make([]Event, 0, min(capacity, 1024)),
		capacity: capacity,
	}
}

// Append adds an event, keeping sequence order. Events are expected to
// arrive in order, so appending at the tail is the fast path.
func (j *Journal) Append(evt Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := len(j.events)
	if n == 0 || evt.Seq >= j.events[n-1].Seq {
		j.events = append(j.events, evt)
	} else {
		idx := sort.Search(n, func(i int) bool {
			return j.events[i].Seq > evt.Seq
		})
		j.events = append(j.events, Event{})
		copy(j.events[idx+1:], j.events[idx:])
		j.events[idx] = evt
	}

	if over := len(j.events) - j.capacity; over > 0 {
		copy(j.events, j.events[over:])
		clear(j.events[len(j.events)-over:])
		j.events = j.events[:len(j.events)-over]
		j.evicted += uint64(over)
	}
}

// Last returns the n most recent events, oldest first.
func (j *Journal) Last(n int) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if n <= 0 || len(j.events) == 0 {
		return nil
	}
	if n > len(j.events) {
		n = len(j.events)
	}

	result := make([]Event, n)
	copy(result, j.events[len(j.events)-n:])
	return result
}

// Since returns every event with a sequence number greater than seq.
func (j *Journal) Since(seq uint64) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	idx := sort.Search(len(j.events), func(i int) bool {
		return j.events[i].Seq > seq
	})
	if idx >= len(j.events) {
		return nil
	}
	result := make([]Event, len(j.events)-idx)
	copy(result, j.events[idx:])
	return result
}

// Range returns events published within [start, end).
func (j *Journal) Range(start, end time.Time) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var result []Event
	for _, evt := range j.events {
		if !evt.Timestamp.Before(start) && evt.Timestamp.Before(end) {
			result = append(result, evt)
		}
	}
	return result
}

// Filter returns the retained events matching f.
func (j *Journal) Filter(f Filter) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var result []Event
	for _, evt := range j.events {
		if f.Match(evt) {
			result = append(result, evt)
		}
	}
	return result
}

// All returns every retained event in sequence order.
func (j *Journal) All() []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	result := make([]Event, len(j.events))
	copy(result, j.events)
	return result
}

// Len returns the number of retained events.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}

// Capacity returns the maximum number of retained events.
func (j *Journal) Capacity() int {
	return j.capacity
}

// Evicted returns how many events were pushed out by newer ones.
func (j *Journal) Evicted() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.evicted
}

// Clear removes all events.
func (j *Journal) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	clear(j.events)
	j.events = j.events[:0]
}

// Dump writes every retained event to w as one JSON object per line.
func (j *Journal) Dump(w io.Writer) error {
	for _, evt := range j.All() {
		if err := json.MarshalWrite(w, evt); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}
