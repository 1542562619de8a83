package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lemonhq/lemongate/internal/approvals"
	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/channels"
	"github.com/lemonhq/lemongate/internal/channels/discord"
	"github.com/lemonhq/lemongate/internal/channels/telegram"
	"github.com/lemonhq/lemongate/internal/channels/xmtp"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/config"
	"github.com/lemonhq/lemongate/internal/cron"
	"github.com/lemonhq/lemongate/internal/gateway"
	"github.com/lemonhq/lemongate/internal/pollerlock"
	"github.com/lemonhq/lemongate/internal/runner"
	"github.com/lemonhq/lemongate/internal/sessions"
	"github.com/lemonhq/lemongate/internal/store"
	"github.com/lemonhq/lemongate/internal/telemetry"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

func runGateway() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without tracing", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTracing(flushCtx)
		}()
	}

	kv, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	msgBus := bus.New()
	clk := clock.NewSystem()

	router := runner.NewExecRouter(msgBus, clk, cfg.Agent.Engines, cfg.Agent.DefaultEngine)
	submit := runner.New(router, msgBus, clk, kv)

	apprReg := approvals.NewRegistry(msgBus, clk)
	sessMgr := sessions.NewManager(kv, clk)

	chMgr := channels.NewManager(submit)
	registerChannels(chMgr, cfg, clk, kv, msgBus, apprReg)

	cronMgr := cron.NewManager(clk, msgBus, cron.NewStore(kv), submit, chMgr, cron.Config{
		TickInterval:    time.Duration(cfg.Cron.TickIntervalMs) * time.Millisecond,
		SummaryMarker:   cfg.Cron.SummaryMarker,
		MaxForwardBytes: cfg.Cron.MaxForwardBytes,
		KeepRunsPerJob:  cfg.Cron.KeepRunsPerJob,
	})
	heartbeat := cron.NewHeartbeat(clk, msgBus, kv, cronMgr, submit)

	cronMgr.Start(ctx)
	defer cronMgr.Stop()
	if err := heartbeat.Start(ctx); err != nil {
		slog.Warn("heartbeat disabled", "error", err)
	}
	defer heartbeat.Stop()
	chMgr.StartAll(ctx)
	defer chMgr.StopAll(context.Background())

	if err := config.Watch(ctx, cfgPath, func(fresh *config.Config) {
		setupLogging(fresh)
	}); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	server := gateway.NewServer(gateway.Deps{
		Cfg:       cfg,
		Bus:       msgBus,
		Clock:     clk,
		Store:     kv,
		Cron:      cronMgr,
		Heartbeat: heartbeat,
		Runner:    submit,
		Sessions:  sessMgr,
		Approvals: apprReg,
		Version:   Version,
	})

	slog.Info("lemongate gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"addr", gatewayAddr(cfg),
		"store", cfg.Store.Backend,
		"channels", chMgr.Names(),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return store.OpenPostgres(ctx, cfg.PostgresDSN)
	case "memory":
		return store.NewMemory(), nil
	default:
		return store.OpenSQLite(config.ExpandHome(cfg.SQLitePath))
	}
}

func registerChannels(chMgr *channels.Manager, cfg *config.Config, clk clock.Clock, kv store.Store, msgBus *bus.Bus, apprReg *approvals.Registry) {
	if cfg.Channels.Telegram.Enabled {
		locks := pollerlock.NewManager(config.ExpandHome(cfg.Channels.Telegram.LockDir), pollerlock.DefaultStaleAfter)
		tg, err := telegram.New(telegram.Deps{
			Cfg:      cfg.Channels.Telegram,
			AgentID:  cfg.Agent.ID,
			Clock:    clk,
			Store:    kv,
			Locks:    locks,
			Sink:     chMgr,
			Cancel:   chMgr,
			Notify:   chMgr.Notifier(telegram.ChannelID, "default"),
			Resolver: apprReg,
			Bus:      msgBus,
		})
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			chMgr.Register(tg)
		}
	}

	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(discord.Deps{
			Cfg:      cfg.Channels.Discord,
			AgentID:  cfg.Agent.ID,
			Clock:    clk,
			Sink:     chMgr,
			Cancel:   chMgr,
			Notify:   chMgr.Notifier(discord.ChannelID, "default"),
			Resolver: apprReg,
			Bus:      msgBus,
		})
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			chMgr.Register(dc)
		}
	}

	if cfg.Channels.XMTP.Enabled {
		client := xmtpClient(cfg.Channels.XMTP)
		if client == nil {
			slog.Warn("xmtp enabled but no client implementation is linked in this build, skipping")
			return
		}
		xc, err := xmtp.New(xmtp.Deps{
			Cfg:     cfg.Channels.XMTP,
			AgentID: cfg.Agent.ID,
			Clock:   clk,
			Store:   kv,
			Client:  client,
			Sink:    chMgr,
			Cancel:  chMgr,
			Notify:  chMgr.Notifier(xmtp.ChannelID, "default"),
		})
		if err != nil {
			slog.Error("xmtp channel init failed", "error", err)
		} else {
			chMgr.Register(xc)
		}
	}
}

// xmtpClient resolves the XMTP client port. The SDK binding is provided by
// deployments that link one; this build ships without.
func xmtpClient(config.XMTPConfig) xmtp.Client {
	return nil
}

func gatewayAddr(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
}
