// Package inbox keeps the most recent messages received by the console,
// newest first, and fans new entries out to watchers.
package inbox

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/denwilliams/go-stomp-console/pkg/metrics"
)

const DefaultLimit = 500

type Inbox struct {
	limit        int
	entries      []Entry
	destinations map[string]*Destination
	seq          int64
	watchers     map[int]chan Entry
	nextWatcher  int
	logger       *logrus.Entry
	mutex        sync.RWMutex
}

func New(limit int, logger *logrus.Entry) *Inbox {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = logrus.WithField("pkg", "inbox")
	}

	return &Inbox{
		limit:        limit,
		destinations: make(map[string]*Destination),
		watchers:     make(map[int]chan Entry),
		logger:       logger,
	}
}

// Add stores e, assigning its ID, and notifies watchers. The oldest entry
// is evicted once the inbox is full.
func (i *Inbox) Add(e Entry) Entry {
	i.mutex.Lock()

	i.seq++
	e.ID = i.seq
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}

	i.entries = append([]Entry{e}, i.entries...)
	if len(i.entries) > i.limit {
		i.entries = i.entries[:i.limit]
	}

	d, exists := i.destinations[e.Destination]
	if !exists {
		d = &Destination{Name: e.Destination}
		i.destinations[e.Destination] = d
	}
	d.LastBody = e.Body
	d.LastReceived = e.ReceivedAt
	d.Count++

	metrics.SetInboxSize(len(i.entries), len(i.destinations))

	watchers := make([]chan Entry, 0, len(i.watchers))
	for _, ch := range i.watchers {
		watchers = append(watchers, ch)
	}
	i.mutex.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- e:
		default:
			metrics.RecordMessageDropped("slow_watcher")
			i.logger.Debugf("Watcher full, dropped message %d", e.ID)
		}
	}
	return e
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (i *Inbox) List(limit int) []Entry {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	n := len(i.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]Entry, n)
	copy(result, i.entries[:n])
	return result
}

func (i *Inbox) Count() int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	return len(i.entries)
}

// Clear drops every entry and destination summary.
func (i *Inbox) Clear() {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	i.entries = nil
	i.destinations = make(map[string]*Destination)
	metrics.SetInboxSize(0, 0)
	i.logger.Info("Inbox cleared")
}

// Destinations returns the per-destination summaries sorted by name.
func (i *Inbox) Destinations() []Destination {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	result := make([]Destination, 0, len(i.destinations))
	for _, d := range i.destinations {
		result = append(result, *d)
	}
	sort.Slice(result, func(a, b int) bool { return result[a].Name < result[b].Name })
	return result
}

func (i *Inbox) Destination(name string) (Destination, bool) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	d, exists := i.destinations[name]
	if !exists {
		return Destination{}, false
	}
	return *d, true
}

// Watch returns a channel receiving every new entry and a func that stops
// the watch. Entries are dropped for a watcher whose buffer is full.
func (i *Inbox) Watch(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)

	i.mutex.Lock()
	id := i.nextWatcher
	i.nextWatcher++
	i.watchers[id] = ch
	i.mutex.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			i.mutex.Lock()
			delete(i.watchers, id)
			i.mutex.Unlock()
		})
	}
}
