package eventbus

import (
	"sync"
	"time"
)

// Kind names what happened.
type Kind string

const (
	// KindFileChanged: an entry in the watched rule directory changed. Name is its base name,
	// or empty when the watcher lost events and cannot say which entry changed.
	KindFileChanged Kind = "file.changed"
	// KindRulesLoaded: the scheduler rebuilt its rule table. Data is a Loaded value.
	KindRulesLoaded Kind = "rules.loaded"
	// KindRuleFinished: a rule command completed. Name is the rule; Data is a Finished value.
	KindRuleFinished Kind = "rule.finished"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Kind Kind
	Name string
	Time time.Time
	Data any
}

// Loaded is the payload of KindRulesLoaded.
type Loaded struct {
	Rules    int
	Runnable int
	Next     time.Time
	Err      error
}

// Finished is the payload of KindRuleFinished.
type Finished struct {
	Outcome    string
	OK         bool
	SlowedDown bool
	Interval   string
	Next       time.Time
	Took       time.Duration
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel receiving events of the given kinds,
	// or of every kind when none are named.
	Subscribe(buffer int, kinds ...Kind) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	kinds []Kind
}

func (s *sub) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	for _, want := range s.kinds {
		if want == k {
			return true
		}
	}
	return false
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  uint64
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
// Sends happen under the read lock, so unsubscribe cannot close a channel mid-send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), kinds: append([]Kind(nil), kinds...)}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}
