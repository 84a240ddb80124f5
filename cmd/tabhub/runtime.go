package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tabhub/internal/api"
	"github.com/dgnsrekt/tabhub/internal/audit"
	"github.com/dgnsrekt/tabhub/internal/bridge"
	"github.com/dgnsrekt/tabhub/internal/browser"
	"github.com/dgnsrekt/tabhub/internal/cdpbackend"
	"github.com/dgnsrekt/tabhub/internal/config"
	"github.com/dgnsrekt/tabhub/internal/coordinator"
	"github.com/dgnsrekt/tabhub/internal/devtools"
	"github.com/dgnsrekt/tabhub/internal/events"
	"github.com/dgnsrekt/tabhub/internal/gateway"
	"github.com/dgnsrekt/tabhub/internal/loop"
	"github.com/dgnsrekt/tabhub/internal/netutil"
	"github.com/dgnsrekt/tabhub/internal/notify"
	"github.com/dgnsrekt/tabhub/internal/readiness"
	"github.com/dgnsrekt/tabhub/internal/snapshot"
)

const startupOwner = "startup"

func runDir(cfg *config.Config) string { return filepath.Dir(cfg.SocketPath) }

func openSnapshots(cfg *config.Config) (*snapshot.Store, error) {
	dir := cfg.SnapshotDir
	if dir == "" {
		dir = filepath.Join(runDir(cfg), "snapshots")
	}
	return snapshot.NewStore(dir)
}

// host is the socket-facing half: token, gateway, loop state and the channel
// bridge that forwards everything else to an executor.
type host struct {
	cfg       *config.Config
	token     string
	bridge    *bridge.Bridge
	gateway   *gateway.Server
	loop      *loop.State
	broker    *events.Broker
	snapshots *snapshot.Store
	audit     *audit.Writer
	listener  net.Listener
}

func newHost(cfg *config.Config) (*host, error) {
	token, err := gateway.GenerateToken()
	if err != nil {
		return nil, err
	}
	if err := gateway.WriteTokenFile(cfg.TokenFile, token); err != nil {
		return nil, err
	}
	snapshots, err := openSnapshots(cfg)
	if err != nil {
		return nil, err
	}

	h := &host{cfg: cfg, token: token, broker: events.NewBroker(), snapshots: snapshots}
	notifier := &notify.LoopNotifier{Endpoint: cfg.NotifyURL}
	h.loop = loop.New(loop.WithOnChange(func(s loop.Snapshot) {
		kind := "loop.stopped"
		if s.Active {
			kind = "loop.started"
		}
		h.broker.Emit(kind, s)
		notifier.OnChange(s)
	}))
	h.bridge = bridge.New(bridge.Options{
		Timeout: cfg.RequestTimeout,
		OnStateChange: func(connected bool) {
			kind := "channel.down"
			if connected {
				kind = "channel.up"
			}
			h.broker.Emit(kind, nil)
		},
	})

	auditDir := cfg.AuditDir
	if auditDir == "" {
		auditDir = filepath.Join(runDir(cfg), "audit")
	}
	h.audit = audit.NewWriter(auditDir, 0, 0)
	h.gateway = gateway.NewServer(gateway.Config{
		Token:    token,
		Forward:  h.bridge,
		Loop:     h.loop,
		Recorder: h.audit,
	})

	ln, err := netutil.ListenUnix(cfg.SocketPath)
	if err != nil {
		_ = h.audit.Close()
		return nil, err
	}
	h.listener = ln
	slog.Info("host token written", "socket", cfg.SocketPath, "token_file", cfg.TokenFile)
	return h, nil
}

// run serves the socket and the HTTP API until ctx ends.
func (h *host) run(ctx context.Context, acceptChannel bool) error {
	defer func() { _ = h.audit.Close() }()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	apiCfg := api.Config{
		Context:   ctx,
		Token:     h.token,
		Loop:      h.loop,
		Snapshots: h.snapshots,
		Broker:    h.broker,
		Commands:  h.gateway,
		Channel:   h.bridge,

		AcceptChannel: acceptChannel,
	}
	bindAddr, err := netutil.SelectBindAddr(h.cfg.HTTPAddr, h.cfg.HTTPAddrCandidates, h.cfg.PortAutoFallback)
	if err != nil {
		return fmt.Errorf("select bind address: %w", err)
	}
	srv := &http.Server{
		Addr:              bindAddr,
		Handler:           api.NewServer(apiCfg),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("api listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	gatewayDone := make(chan struct{})
	go func() {
		defer close(gatewayDone)
		if err := h.gateway.Serve(ctx, h.listener); err != nil {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api shutdown failed", "error", err)
	}
	<-gatewayDone
	_ = os.Remove(h.cfg.TokenFile)
	slog.Info("host stopped")
	return runErr
}

// executor is the browser-facing half: the CDP backend and the coordinator
// that answers channel commands against it.
type executor struct {
	launcher *browser.Launcher
	tracker  *devtools.Tracker
	backend  *cdpbackend.Backend
	coord    *coordinator.Coordinator
}

func newExecutor(ctx context.Context, cfg *config.Config, snapshots *snapshot.Store, broker *events.Broker) (*executor, error) {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	ex := &executor{}
	if cfg.LaunchBrowser {
		ex.launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.ProfileDir,
		})
		if err := ex.launcher.Launch(ctx); err != nil {
			return nil, err
		}
	}

	ex.tracker = devtools.NewTracker(devtools.Options{})
	var coord atomic.Pointer[coordinator.Coordinator]
	ex.backend, err = cdpbackend.Connect(ctx, cdpbackend.Options{
		CDPURL:  cfg.CDPURL(),
		Tracker: ex.tracker,
		OnTabClosed: func(tabID string) {
			if c := coord.Load(); c != nil {
				c.HandleTabClosed(tabID)
			}
		},
	})
	if err != nil {
		ex.close()
		return nil, err
	}

	ready := readiness.Options{
		MaxWait:       cfg.ReadinessMaxWait,
		SkipVisual:    policy.Readiness.SkipVisual,
		IdleThreshold: time.Duration(policy.Readiness.IdleThreshold) * time.Millisecond,
	}
	if policy.Readiness.MaxWaitMs > 0 {
		ready.MaxWait = time.Duration(policy.Readiness.MaxWaitMs) * time.Millisecond
	}
	ex.coord = coordinator.New(coordinator.Options{
		Browser:   ex.backend,
		Tracker:   ex.tracker,
		Snapshots: snapshots,
		Broker:    broker,
		Policy:    policy.EvictionPolicy(),
		MaxTabs:   policy.MaxTabs,
		Readiness: ready,
	})
	coord.Store(ex.coord)
	slog.Info("executor connected to browser", "cdp_url", cfg.CDPURL(), "eviction", policy.Eviction, "max_tabs", policy.MaxTabs)

	for _, u := range policy.StartupURLs {
		if v := coordinator.CheckURL(u); !v.Allowed {
			slog.Warn("startup url rejected", "url", u, "reason", v.Reason)
			continue
		}
		res, err := ex.coord.Pool().CreateTab(ctx, u, startupOwner)
		if err != nil {
			slog.Warn("startup tab failed", "url", u, "error", err)
			continue
		}
		slog.Info("startup tab opened", "url", u, "tab_id", res.TabID)
	}
	return ex, nil
}

func (ex *executor) close() {
	if ex.coord != nil {
		ex.coord.Close()
	}
	if ex.backend != nil {
		ex.backend.Close()
	}
	if ex.tracker != nil {
		ex.tracker.Close()
	}
	if ex.launcher != nil {
		ex.launcher.Stop()
	}
}
