// Command spider crawls the Mainline DHT with one or more identities and
// hands the infohashes it sees to the metadata intake.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"spider"
	"spider/config"
	"spider/intake"
	"spider/logger"
)

var (
	configFile = flag.String("config", "", "YAML config file")
	logLevel   = flag.String("log-level", "", "overrides log_level (debug, info, warn, error)")
	httpAddr   = flag.String("http", "", "overrides http_addr")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "spider: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	return zc.Build()
}

func run() error {
	flag.Parse()
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	zl, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	defer zl.Sync()
	log := logger.NewZapLogger(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The intake sink is picked once: masters consume sightings locally,
	// slaves forward them upstream.
	var handler intake.Handler
	if cfg.Master {
		handler = intake.LogHandler{Log: log.With("component", "intake")}
	} else {
		host, _ := os.Hostname()
		handler = spider.NewForwarder(cfg.UpstreamURL, host)
	}
	buffered := intake.NewBuffered(handler, cfg.IntakeBuffer, cfg.IntakeBatch, log)
	sink := intake.NewDedup(buffered, cfg.DedupSize, cfg.DedupWindow, nil)

	var (
		identities []*spider.DHT
		bindErrs   error
	)
	for _, ident := range cfg.Identities {
		d, err := spider.New(cfg, ident, sink, log.With("identity", ident.Port))
		if err != nil {
			bindErrs = multierr.Append(bindErrs, err)
			log.Errorf("identity %d disabled: %v", ident.Port, err)
			continue
		}
		identities = append(identities, d)
	}
	if len(identities) == 0 {
		return fmt.Errorf("no identity could start: %w", bindErrs)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		buffered.Run(ctx)
		return nil
	})
	var collector *spider.Collector
	if cfg.Master {
		collector = &spider.Collector{Sink: sink, DebugLogger: log}
	}
	g.Go(func() error {
		if collector == nil {
			return spider.StartHTTPServer(ctx, cfg.HTTPAddr, nil, log)
		}
		return spider.StartHTTPServer(ctx, cfg.HTTPAddr, collector, log)
	})
	for _, d := range identities {
		d := d
		g.Go(func() error { return d.Run(ctx) })
	}
	log.Infof("spider: %d of %d identities running, master=%v", len(identities), len(cfg.Identities), cfg.Master)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
