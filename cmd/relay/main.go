package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	persistlog "github.com/morganlombard/Virtual-Game-Table/internal/persistence/log"
	"github.com/morganlombard/Virtual-Game-Table/internal/observability"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/relay"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/tuning"
	"github.com/morganlombard/Virtual-Game-Table/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml or tuning.toml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		sessionID  = flag.String("session", "", "session id (random when empty)")
		maxClients = flag.Int("max_clients", 0, "override tuning max_clients")
		flushMS    = flag.Int("flush_ms", 0, "override tuning flush_interval_ms")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite traffic index")
		disableLog = flag.Bool("disable_traffic_log", false, "disable the jsonl.zst traffic log")
	)
	flag.Parse()

	logger := observability.InitLogger("relay")

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		logger.Fatal().Err(err).Str("path", tp).Msg("load tuning")
	}
	if *maxClients > 0 {
		tune.MaxClients = *maxClients
	}
	if *flushMS > 0 {
		tune.FlushIntervalMs = *flushMS
	}
	if err := tune.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid tuning")
	}

	r := relay.New(relay.Config{
		SessionID:     strings.TrimSpace(*sessionID),
		FlushInterval: tune.FlushInterval(),
		MaxClients:    tune.MaxClients,
		Groups:        len(tune.Groups),
		InboxSize:     tune.Queues.Inbox,
		Logger:        logger,
	})
	sessionDir := filepath.Join(*dataDir, "sessions", r.SessionID())
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("create session dir")
	}

	idx, err := openRuntimeIndex(sessionDir, *disableDB, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open index backend")
	}
	if idx != nil {
		defer idx.Close()
		idx.RecordSession(r.SessionID(), time.Now(), tune)
	}

	var sinks []relay.TrafficLogger
	if !*disableLog {
		tl := persistlog.NewTrafficLogger(sessionDir)
		defer tl.Close()
		sinks = append(sinks, tl)
	}
	if idx != nil {
		sinks = append(sinks, idx)
	}
	if len(sinks) > 0 {
		r.SetTrafficLogger(persistlog.Tee(sinks...))
	}

	ctx, cancel := signalContext()
	defer cancel()

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := r.Run(ctx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("relay stopped")
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(r, idx))

	if envBool("VGT_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		a := &adminAPI{relay: r, index: idx, snapDir: filepath.Join(sessionDir, "snapshots"), log: logger}
		a.register(mux)
	} else {
		logger.Info().Msg("admin endpoints disabled (VGT_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("VGT_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(r, logger, tune.Queues.ClientOut).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info().Str("addr", *addr).Str("session_id", r.SessionID()).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("ListenAndServe")
	}
	cancel()
	<-relayDone
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
