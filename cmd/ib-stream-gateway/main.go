// Command ib-stream-gateway runs the market-data streaming gateway: one
// Upstream Session, the Subscription Registry/Pipeline, the Append Store,
// the Background Tracker, and the SSE/WebSocket delivery front-ends, all
// behind one HTTP server.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"

	"github.com/lakowske/ib-stream/internal/broker"
	"github.com/lakowske/ib-stream/internal/config"
	"github.com/lakowske/ib-stream/internal/httpapi"
	"github.com/lakowske/ib-stream/internal/logging"
	"github.com/lakowske/ib-stream/internal/metrics"
	"github.com/lakowske/ib-stream/internal/ratelimit"
	"github.com/lakowske/ib-stream/internal/registry"
	"github.com/lakowske/ib-stream/internal/sseapi"
	"github.com/lakowske/ib-stream/internal/store"
	"github.com/lakowske/ib-stream/internal/tick"
	"github.com/lakowske/ib-stream/internal/tracker"
	"github.com/lakowske/ib-stream/internal/wsapi"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code per §6: 0 normal shutdown, 1 fatal
// startup/unrecoverable-upstream-loss, 130 cancelled by signal.
func run() int {
	host := flag.String("host", "", "override IB_STREAM_BIND_HOST")
	port := flag.Int("port", 0, "override IB_STREAM_PORT")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		return 1
	}
	logger = logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if *host != "" {
		cfg.StreamBindHost = *host
	}
	if *port != 0 {
		cfg.StreamPort = *port
	}
	cfg.Print()
	cfg.LogConfig(logger)

	contracts, err := cfg.TrackedContractList()
	if err != nil {
		logger.Error().Err(err).Msg("invalid tracked contracts")
		return 1
	}

	tick.ClockSkewTolerance = cfg.ClockSkewTolerance

	metricsReg := metrics.New()
	metricsReg.MustRegister(prometheus.DefaultRegisterer)

	st := store.New(store.Options{
		Root: cfg.StoragePath, EnableJSON: cfg.EnableJSON, EnableProtobuf: cfg.EnableProtobuf,
		EnableV2Storage: cfg.EnableV2Storage, EnableV3Storage: cfg.EnableV3Storage,
		QueueSize: cfg.StorageQueueSize, FlushInterval: cfg.StorageFlushInterval, MaxFileSize: cfg.StorageMaxFileSize,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.EnableStorage {
		if err := st.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to start append store")
			return 1
		}
		defer st.Stop()
	}

	guard, err := ratelimit.New(ratelimit.Config{
		MaxStreams: cfg.MaxStreams, CPURejectThreshold: cfg.CPURejectThreshold,
		MemoryRejectPercent: cfg.MemoryRejectPercent, SampleInterval: cfg.ResourceSampleInterval,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start resource guard")
		return 1
	}
	guard.StartSampling(ctx)

	var reg *registry.Registry

	session := broker.New(broker.Config{
		Host: cfg.Host, Ports: cfg.PortList(), ClientID: cfg.ClientID,
		ConnectTimeout: cfg.ConnectTimeout, ReconnectDelay: cfg.ReconnectDelay, ReconnectAttempts: cfg.ReconnectTries,
		Logger: logger,
		OnTick: func(raw tick.Raw) {
			msg := tick.FromRaw(raw, time.Now())
			reg.Publish(msg)
			if cfg.EnableStorage {
				env := store.Envelope{Cid: msg.Cid, Tt: msg.Tt, Ts: msg.Ts, FormatVersion: "compact", Compact: msg}
				if cfg.EnableV2Storage {
					v := msg.ToVerbose(tick.StreamID(msg.Cid, msg.Tt, msg.Ts/1000, msg.Rid))
					env.Verbose = &v
				}
				st.StoreEnvelope(env)
			}
			metricsReg.TicksPublished.Inc()
			if msg.SkewExceeded(tick.ClockSkewTolerance) {
				metricsReg.ClockSkewViolations.Inc()
			}
		},
		OnOrphan: func(rid uint32) { metricsReg.OrphanTicks.Inc() },
		OnInfo: func(status string, cid uint32, tt tick.Type) {
			if status == "upstream_lost" {
				reg.FailAll(cid, tt, tick.CodeUpstreamLost)
				return
			}
			reg.Notify(cid, tt, status)
		},
	})
	reg = registry.New(session, registry.Limits{
		MaxStreams: cfg.MaxStreams, MaxStreamsPerWSConn: cfg.MaxStreamsPerWSConn, BufferSize: cfg.BufferSize,
	}, logger)
	reg.SetGuard(guard)

	if err := session.Open(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to open upstream session")
		return 1
	}
	defer session.Close()

	var trk *tracker.Tracker
	if cfg.EnableBackgroundStreaming && len(contracts) > 0 {
		trk = tracker.New(reg, contracts, cfg.BackgroundReconnectDelay, func() bool { return session.State() == broker.StateOpen }, logger)
		trk.Run(ctx)
	}

	deps := &httpapi.Deps{
		Session:   session,
		SSE:       &sseapi.Handler{Registry: reg, Store: st, Logger: logger},
		WS:        &wsapi.Handler{Registry: reg, Logger: logger},
		Guard:     guard,
		Metrics:   metricsReg,
		ClientID:  cfg.ClientID,
		StorageOn: cfg.EnableStorage,
	}
	mux := httpapi.NewMux(deps)

	srv := &http.Server{
		Addr:    cfg.StreamBindHost + ":" + strconv.Itoa(cfg.StreamPort),
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("ib-stream-gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		logger.Error().Err(err).Msg("http server failed")
		return 1
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	}

	deps.SetShuttingDown()
	reg.Shutdown()
	if trk != nil {
		trk.Wait()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown deadline exceeded")
	}

	return 130
}
