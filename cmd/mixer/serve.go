package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/internal/core/services"
	httphandlers "rillmix/internal/handlers/http"
	backupinfra "rillmix/internal/infrastructure/backup"
	"rillmix/internal/infrastructure/control"
	"rillmix/internal/infrastructure/flv"
	"rillmix/internal/infrastructure/media"
	"rillmix/internal/infrastructure/middleware"
	"rillmix/internal/infrastructure/monitoring"
	"rillmix/internal/infrastructure/receiver"
	"rillmix/internal/infrastructure/repositories"
	"rillmix/internal/infrastructure/rtmp"
	signalinfra "rillmix/internal/infrastructure/signal"
	webrtcinfra "rillmix/internal/infrastructure/webrtc"
	"rillmix/pkg/circuitbreaker"
	"rillmix/pkg/config"
	"rillmix/pkg/distributed"
	"rillmix/pkg/logger"
	"rillmix/pkg/retry"
	"rillmix/pkg/tracing"
	"rillmix/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	leaseTTL     = 15 * time.Second
	checkTimeout = 2 * time.Second
)

type serveOptions struct {
	Stdio   bool
	Session string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mixer with its HTTP API, signaling endpoint and control channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.ConfigPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("stdio") {
				cfg.Control.Stdio = opts.Stdio
			}
			if opts.Session != "" {
				cfg.Control.Session = opts.Session
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().BoolVar(&opts.Stdio, "stdio", false, "serve the framed control channel on stdin/stdout")
	cmd.Flags().StringVar(&opts.Session, "session", "", "layout session name (overrides control.session)")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "rillmix",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: os.Getenv("RILLMIX_ENV"),
		SampleRate:  cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("create repository factory: %w", err)
	}
	defer repoFactory.Close()

	var lease *distributed.Lease
	if client := repoFactory.RedisClient(); client != nil {
		lease = distributed.NewLeaseManager(client, "rillmix:lease:").Lease(cfg.Control.Session, leaseTTL)
		if err := lease.Acquire(ctx); err != nil {
			return fmt.Errorf("session %q: %w", cfg.Control.Session, err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lease.Release(ctx); err != nil {
				log.Warnw("failed to release session lease", "error", err)
			}
		}()
		log.Infow("session lease acquired", "session", cfg.Control.Session)
	}

	var (
		collector *monitoring.PrometheusCollector
		metrics   ports.MixerMetrics
	)
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector(nil)
		metrics = collector
	}

	codecs := media.NewRegistry()
	muxer, err := services.NewMuxer(muxerConfig(cfg), services.MuxerDeps{
		Codecs:      codecs,
		Receivers:   receiver.NewRegistry(),
		Resamplers:  media.NewResamplerFactory(),
		Senders:     rtmp.NewSenderFactory(senderConfig(cfg), log.With("component", "rtmp")),
		NewRescaler: media.NewRescaler,
		Metrics:     metrics,
	}, log.With("component", "muxer"))
	if err != nil {
		return fmt.Errorf("create muxer: %w", err)
	}

	repo := repoFactory.LayoutRepository()
	mixer := services.NewMixerService(muxer, repo, cfg.Control.Session, log.With("component", "mixer"))
	if err := services.RestoreLayout(ctx, mixer); err != nil {
		log.Warnw("failed to restore layout", "session", cfg.Control.Session, "error", err)
	}

	peers, err := webrtcinfra.NewPeerInputService(peerConfig(cfg), mixer, codecs, log.With("component", "webrtc"))
	if err != nil {
		return fmt.Errorf("create peer input service: %w", err)
	}

	health := monitoring.NewHealthChecker()
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, checkTimeout)
	}
	health.AddRepositoryCheck(repo, cfg.Control.Session, checkTimeout)
	health.AddOutputsCheck(mixer.Stats, checkTimeout)

	var scheduler *backupinfra.Scheduler
	if cfg.Backup.Enabled {
		backups, err := newBackupService(cfg)
		if err != nil {
			return err
		}
		scheduler = backupinfra.NewScheduler(backups, repo, cfg.Control.Session, backupinfra.Config{
			Interval:  cfg.Backup.Interval,
			Retention: cfg.Backup.Retention,
		}, log.With("component", "backup"))
	}

	router, ws := newRouter(cfg, mixer, peers, health, log)
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	startedAt := time.Now()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infow("http server listening", "addr", cfg.Server.Address, "signal", cfg.Signal.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := muxer.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})

	if collector != nil {
		g.Go(func() error {
			collector.Watch(ctx, mixer.Stats, cfg.Monitoring.MetricsInterval, log.With("component", "metrics"))
			return nil
		})
	}

	if scheduler != nil {
		g.Go(func() error {
			scheduler.Start(ctx)
			return nil
		})
	}

	if cfg.Control.Stdio {
		g.Go(func() error {
			log.Infow("control channel on stdio")
			err := control.NewDispatcher(mixer, metrics, log.With("component", "control")).
				Serve(ctx, control.NewMsgPump(os.Stdin, os.Stdout))
			if err != nil {
				return fmt.Errorf("control channel: %w", err)
			}
			// The supervisor closed stdin; the session ends with it.
			return errControlClosed
		})
	}

	if lease != nil {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case <-lease.Lost():
				return fmt.Errorf("session %q: %w", cfg.Control.Session, distributed.ErrLeaseLost)
			}
		})
	}

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	peers.CloseAll(shutdownCtx)
	muxer.Stop()
	log.Infow("mixer stopped",
		"uptime", utils.FormatDuration(time.Since(startedAt)),
		"signal_connections", connections(ws),
	)

	if errors.Is(err, errControlClosed) {
		return nil
	}
	return err
}

var errControlClosed = errors.New("control channel closed")

func newRouter(cfg *config.Config, mixer ports.MixerService, peers ports.PeerInputService, health *monitoring.HealthChecker, log *zap.SugaredLogger) (*gin.Engine, *signalinfra.WebSocketServer) {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.RequestLoggerMiddleware(log.With("component", "http")))
	router.Use(middleware.TracingMiddleware("/metrics", "/health", "/ready"))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	var authority *middleware.TokenAuthority
	if cfg.Auth.Enabled {
		authority = middleware.NewTokenAuthority(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
		httphandlers.NewAuthHandler(authority, cfg.Auth.AccessTokenTTL).SetupRoutes(router)
	}
	httphandlers.NewMixerHandler(mixer).SetupRoutes(router, middleware.AuthMiddleware(authority))

	router.GET("/health", health.LivenessHandler)
	router.GET("/ready", health.ReadinessHandler)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	var ws *signalinfra.WebSocketServer
	if cfg.Signal.Enabled {
		wsConfig := signalinfra.DefaultConfig()
		wsConfig.PingInterval = cfg.Signal.PingInterval
		wsConfig.PongTimeout = cfg.Signal.PongTimeout
		wsConfig.AllowedOrigins = cfg.Auth.AllowedOrigins
		if cfg.RateLimiting.Enabled {
			wsConfig.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
			wsConfig.Burst = cfg.RateLimiting.WebSocket.Burst
		}
		if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
			wsConfig.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
		}
		ws = signalinfra.NewWebSocketServer(peers, wsConfig, log.With("component", "signal"))
		router.GET(cfg.Signal.Path, middleware.QueryTokenAuthMiddleware(authority), gin.WrapF(ws.HandleWebSocket))
	}
	return router, ws
}

func connections(ws *signalinfra.WebSocketServer) int {
	if ws == nil {
		return 0
	}
	return ws.Connections()
}

func muxerConfig(cfg *config.Config) services.MuxerConfig {
	mc := services.DefaultMuxerConfig()
	mc.Width = cfg.Canvas.Width
	mc.Height = cfg.Canvas.Height
	mc.VideoTick = cfg.Canvas.VideoTick
	mc.BgColor = cfg.Canvas.BgColor
	mc.AutoLayout = cfg.Canvas.AutoLayout
	mc.AudioTick = cfg.Audio.AudioTick
	mc.PacingLimit = cfg.Audio.PacingLimit
	mc.Input.Channels = cfg.Audio.Channels
	if cfg.Audio.ReceiveTimeout > 0 {
		mc.Input.ReceiveTimeout = cfg.Audio.ReceiveTimeout
	}
	if cfg.Audio.RetryDelay > 0 {
		mc.Input.RetryDelay = cfg.Audio.RetryDelay
	}
	mc.Output.QueueSize = cfg.Outputs.QueueSize
	mc.Output.VideoBitrate = cfg.Outputs.VideoBitrate
	mc.Output.AudioBitrate = cfg.Outputs.AudioBitrate
	return mc
}

func senderConfig(cfg *config.Config) rtmp.SenderConfig {
	sc := rtmp.DefaultSenderConfig()
	if cfg.Outputs.RTMP.DialTimeout > 0 {
		sc.Dial.DialTimeout = cfg.Outputs.RTMP.DialTimeout
	}
	if cfg.Outputs.RTMP.ChunkSize > 0 {
		sc.Dial.ChunkSize = cfg.Outputs.RTMP.ChunkSize
	}
	sc.Dial.WriteTimeout = cfg.Outputs.RTMP.WriteTimeout

	rc := cfg.Outputs.Reconnect
	sc.Retry = retry.Config{
		MaxAttempts:  rc.MaxAttempts,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   sc.Retry.Multiplier,
		Jitter:       sc.Retry.Jitter,
	}
	if rc.FailureThreshold > 0 {
		sc.Breaker = circuitbreaker.Config{FailureThreshold: rc.FailureThreshold, Timeout: rc.OpenTimeout}
	}

	frameRate := 0.0
	if cfg.Canvas.VideoTick > 0 {
		frameRate = float64(time.Second) / float64(cfg.Canvas.VideoTick)
	}
	sc.Meta = flv.Meta{
		Width:        cfg.Canvas.Width,
		Height:       cfg.Canvas.Height,
		FrameRate:    frameRate,
		VideoBitrate: cfg.Outputs.VideoBitrate,
		AudioBitrate: cfg.Outputs.AudioBitrate,
		SampleRate:   domain.AudioSampleRate,
		Channels:     cfg.Audio.Channels,
	}
	return sc
}

func peerConfig(cfg *config.Config) webrtcinfra.Config {
	pc := webrtcinfra.Config{PLIInterval: cfg.WebRTC.PLIInterval}
	for _, s := range cfg.WebRTC.ICEServers {
		pc.ICEServers = append(pc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(pc.ICEServers) == 0 {
		pc.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	pc.PortRange.Min = cfg.WebRTC.PortRange.Min
	pc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return pc
}
