// Package intake is the boundary between the crawler and the metadata
// resolver. Sightings flow through Sinks, none of which may block the crawl.
package intake

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spider/logger"
	"spider/util"
)

var (
	emitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spider_intake_emitted_total",
		Help: "Sightings accepted by the intake, by source.",
	}, []string{"source"})
	duplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_intake_duplicates_total",
		Help: "Sightings suppressed because the infohash was already seen.",
	})
	dropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_intake_dropped_total",
		Help: "Sightings dropped because the downstream was full.",
	})
)

// Sighting is an infohash observed on the network with the peers known to
// have it.
type Sighting struct {
	InfoHash util.InfoHash
	// Peers are "ip:port" addresses.
	Peers  []string
	Source Source
	// Identity names the local node that saw it.
	Identity string
	SeenAt   time.Time
}

func (s Sighting) String() string {
	return fmt.Sprintf("%v from %s via %v: [%s]", s.InfoHash, s.Identity, s.Source, strings.Join(s.Peers, " "))
}

// Sink accepts sightings. Emit must not block; it returns false if the
// sighting was not taken.
type Sink interface {
	Emit(Sighting) bool
}

// Handler consumes batches of sightings on behalf of a Buffered sink. It may
// block.
type Handler interface {
	Handle(batch []Sighting) error
}

type HandlerFunc func(batch []Sighting) error

func (f HandlerFunc) Handle(batch []Sighting) error {
	return f(batch)
}

// Chan is a sink for programs that embed the crawler and read sightings
// themselves.
type Chan chan Sighting

func (c Chan) Emit(s Sighting) bool {
	select {
	case c <- s:
		emitted.WithLabelValues(s.Source.Label()).Inc()
		return true
	default:
		dropped.Inc()
		return false
	}
}

// LogHandler writes every sighting to the log. It's the default consumer of
// a master without a resolver attached.
type LogHandler struct {
	Log logger.DebugLogger
}

func (h LogHandler) Handle(batch []Sighting) error {
	for _, s := range batch {
		h.Log.Infof("sighting %v", s)
	}
	return nil
}
