package spider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spider/intake"
	"spider/logger"
)

// StartHTTPServer serves prometheus metrics on /metrics and, when collector
// is not nil, the sightings endpoint of a master on /sightings. It returns
// when ctx is done.
func StartHTTPServer(ctx context.Context, addr string, collector http.Handler, log logger.DebugLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if collector != nil {
		mux.Handle("/sightings", collector)
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	log.Infof("HTTP: serving on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Collector receives the reports slave crawlers forward and feeds them into
// the local intake.
type Collector struct {
	Sink        intake.Sink
	DebugLogger logger.DebugLogger

	received atomic.Int64
	accepted atomic.Int64
}

// CollectorStats is what GET /sightings returns.
type CollectorStats struct {
	Received int64 `json:"received"`
	Accepted int64 `json:"accepted"`
}

func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Add("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CollectorStats{Received: c.received.Load(), Accepted: c.accepted.Load()})
	case http.MethodPost:
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
		var rep Report
		if err := dec.Decode(&rep); err != nil {
			c.DebugLogger.Errorf("error parsing sightings post:%v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sightings, err := rep.Sightings()
		if err != nil {
			c.DebugLogger.Errorf("error parsing sightings post from %s:%v", rep.Node, err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, s := range sightings {
			c.received.Add(1)
			if c.Sink.Emit(s) {
				c.accepted.Add(1)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
}
