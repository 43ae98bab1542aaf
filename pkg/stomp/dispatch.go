package stomp

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// dispatcher runs callbacks one at a time, in push order, on its own
// goroutine. Handlers can therefore call back into the Client.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *logrus.Entry
}

func newDispatcher(logger *logrus.Entry) *dispatcher {
	d := &dispatcher{
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go d.run()
	return d
}

func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-d.wake:
				continue
			case <-d.quit:
				return
			}
		}
		for _, fn := range batch {
			d.call(fn)
		}
	}
}

func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("Callback panicked: %v", r)
		}
	}()
	fn()
}

// stop delivers whatever is queued and then exits.
func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.quit) })
	<-d.done
}
