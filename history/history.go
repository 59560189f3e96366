// Package history records proxied query submissions for the support
// listener's recent queries view. The shipped sink keeps a bounded
// in-memory ring, a persistent store can be plugged in through the
// Sink interface.
package history

import (
	"sync"
	"time"

	"github.com/trinogate/trinogate/logging"
	"github.com/trinogate/trinogate/metrics"
)

// Entry is one recorded query submission.
type Entry struct {
	QueryID      string    `json:"queryId"`
	User         string    `json:"user,omitempty"`
	Source       string    `json:"source,omitempty"`
	RoutingGroup string    `json:"routingGroup,omitempty"`
	Backend      string    `json:"backend"`
	SQL          string    `json:"sql,omitempty"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

// Sink consumes query submissions. Record must not block the caller,
// the proxy calls it on the request path.
type Sink interface {
	Record(Entry)
}

const (
	// DefaultRingSize is the number of entries kept by the in-memory
	// ring.
	DefaultRingSize = 1000

	recordBuffer = 256
)

// RingOptions to initialize the in-memory sink.
type RingOptions struct {

	// Size of the ring, DefaultRingSize when not set.
	Size int

	// Log, defaults to the application log.
	Log logging.Logger

	// Metrics defaults to the global metrics instance.
	Metrics metrics.Metrics
}

// Ring is a bounded in-memory Sink. Records are consumed
// asynchronously, the oldest entries are overwritten when the ring is
// full and new records are dropped when the consumer cannot keep up.
type Ring struct {
	log     logging.Logger
	metrics metrics.Metrics
	records chan Entry
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

// NewRing creates and starts the in-memory sink.
func NewRing(o RingOptions) *Ring {
	if o.Size <= 0 {
		o.Size = DefaultRingSize
	}

	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	r := &Ring{
		log:     o.Log,
		metrics: o.Metrics,
		records: make(chan Entry, recordBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		entries: make([]Entry, o.Size),
	}

	go r.loop()
	return r
}

// Record stores an entry, dropping it when the buffer is full.
func (r *Ring) Record(e Entry) {
	select {
	case r.records <- e:
	case <-r.quit:
	default:
		r.metrics.IncCounter("history.dropped")
		r.log.Debugf("history: buffer full, dropped record for query %s", e.QueryID)
	}
}

func (r *Ring) loop() {
	defer close(r.done)
	for {
		select {
		case e := <-r.records:
			r.add(e)
		case <-r.quit:
			return
		}
	}
}

func (r *Ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// Len returns the number of stored entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.full {
		return len(r.entries)
	}

	return r.next
}

// Recent returns up to max stored entries, newest first. A
// non-positive max returns all stored entries.
func (r *Ring) Recent(max int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.entries)
	}

	if max <= 0 || max > n {
		max = n
	}

	recent := make([]Entry, 0, max)
	for i := 1; i <= max; i++ {
		recent = append(recent, r.entries[(r.next-i+len(r.entries))%len(r.entries)])
	}

	return recent
}

// Close stops the consumer. Pending records in the buffer are
// discarded.
func (r *Ring) Close() {
	r.once.Do(func() {
		close(r.quit)
		<-r.done
	})
}
