package events

import "sync"

// DefaultJournalSize is the number of changes a node remembers.
const DefaultJournalSize = 256

// Journal keeps the most recent changes in sequence order so clients can
// ask what changed since a sequence number they saw earlier.
type Journal struct {
	mu     sync.RWMutex
	ring   []Event
	next   int
	full   bool
	latest uint64
	counts map[Type]uint64
}

// NewJournal returns a journal holding up to size events.
func NewJournal(size int) *Journal {
	if size <= 0 {
		size = DefaultJournalSize
	}
	return &Journal{ring: make([]Event, size), counts: make(map[Type]uint64)}
}

// Record appends ev, evicting the oldest entry when full. Events that are
// not newer than the latest recorded one are ignored.
func (j *Journal) Record(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if ev.Seq <= j.latest {
		return
	}
	j.ring[j.next] = ev
	j.next = (j.next + 1) % len(j.ring)
	if j.next == 0 {
		j.full = true
	}
	j.latest = ev.Seq
	j.counts[ev.Type]++
}

// Follow records every event from sub until its channel is closed.
func (j *Journal) Follow(sub *Subscription) {
	for ev := range sub.Events() {
		j.Record(ev)
	}
}

// Since returns the recorded events with Seq > seq, oldest first, and the
// latest sequence number. truncated reports that events after seq were
// evicted, or never recorded, so the caller should re-list the catalog.
func (j *Journal) Since(seq uint64) (changes []Event, latest uint64, truncated bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	latest = j.latest
	if seq >= latest {
		return nil, latest, false
	}

	oldest := j.oldestLocked()
	if oldest == 0 || seq+1 < oldest {
		truncated = true
	}
	for _, ev := range j.orderedLocked() {
		if ev.Seq > seq {
			changes = append(changes, ev)
		}
	}
	return changes, latest, truncated
}

// Counts returns how many changes of each type were recorded.
func (j *Journal) Counts() map[Type]uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make(map[Type]uint64, len(j.counts))
	for t, n := range j.counts {
		out[t] = n
	}
	return out
}

func (j *Journal) oldestLocked() uint64 {
	if j.full {
		return j.ring[j.next].Seq
	}
	if j.next == 0 {
		return 0
	}
	return j.ring[0].Seq
}

func (j *Journal) orderedLocked() []Event {
	if !j.full {
		return j.ring[:j.next]
	}
	out := make([]Event, 0, len(j.ring))
	out = append(out, j.ring[j.next:]...)
	return append(out, j.ring[:j.next]...)
}
