package intake

import (
	"context"

	"spider/logger"
)

// Buffered queues sightings for a Handler running on its own goroutine. When
// the queue is full new sightings are dropped and counted.
type Buffered struct {
	queue   chan Sighting
	handler Handler
	batch   int
	log     logger.DebugLogger
}

func NewBuffered(h Handler, size, batch int, log logger.DebugLogger) *Buffered {
	if batch <= 0 {
		batch = 1
	}
	if log == nil {
		log = &logger.NullLogger{}
	}
	return &Buffered{queue: make(chan Sighting, size), handler: h, batch: batch, log: log}
}

func (b *Buffered) Emit(s Sighting) bool {
	select {
	case b.queue <- s:
		emitted.WithLabelValues(s.Source.Label()).Inc()
		return true
	default:
		dropped.Inc()
		return false
	}
}

// Run hands queued sightings to the handler, up to batch at a time, until
// ctx is done. Handler errors are logged and the batch is discarded.
func (b *Buffered) Run(ctx context.Context) {
	for {
		var buf []Sighting
		select {
		case <-ctx.Done():
			return
		case s := <-b.queue:
			buf = append(make([]Sighting, 0, b.batch), s)
		}
	drain:
		for len(buf) < b.batch {
			select {
			case s := <-b.queue:
				buf = append(buf, s)
			default:
				break drain
			}
		}
		if err := b.handler.Handle(buf); err != nil {
			b.log.Errorf("intake: handler failed, %d sightings lost: %v", len(buf), err)
		}
	}
}

// Pending is the number of queued sightings.
func (b *Buffered) Pending() int {
	return len(b.queue)
}
