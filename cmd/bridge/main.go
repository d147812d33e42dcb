package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tsubotan1985/clads-llm-bridge/internal/adapters"
	"github.com/tsubotan1985/clads-llm-bridge/internal/admin"
	"github.com/tsubotan1985/clads-llm-bridge/internal/auth"
	"github.com/tsubotan1985/clads-llm-bridge/internal/catalog"
	"github.com/tsubotan1985/clads-llm-bridge/internal/config"
	"github.com/tsubotan1985/clads-llm-bridge/internal/dashboard"
	"github.com/tsubotan1985/clads-llm-bridge/internal/db"
	"github.com/tsubotan1985/clads-llm-bridge/internal/health"
	"github.com/tsubotan1985/clads-llm-bridge/internal/proxy"
	"github.com/tsubotan1985/clads-llm-bridge/internal/secret"
	"github.com/tsubotan1985/clads-llm-bridge/internal/upstreams"
	"github.com/tsubotan1985/clads-llm-bridge/internal/usage"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Process exit codes.
const (
	exitConfigError    = 1
	exitMigrationError = 2
	exitBindError      = 3
)

// exitError carries a process exit code alongside the failure.
type exitError struct {
	code int
	err  error
}

// Error implements the error interface.
func (e *exitError) Error() string { return e.err.Error() }

func main() {
	if errRun := run(context.Background()); errRun != nil {
		log.WithError(errRun).Error("bridge failed")
		var exit *exitError
		if errors.As(errRun, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

// run boots the bridge: store, migrations, services, and the three HTTP
// listeners.
func run(ctx context.Context) error {
	cfg, errLoad := config.Load()
	if errLoad != nil {
		return &exitError{code: exitConfigError, err: errLoad}
	}

	log.SetLevel(config.ParseLogLevel(cfg.LogLevel))
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if log.GetLevel() != log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	conn, errOpen := db.Open(cfg.DatabaseDSN())
	if errOpen != nil {
		return &exitError{code: exitConfigError, err: errOpen}
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return &exitError{code: exitMigrationError, err: errMigrate}
	}
	log.Infof("db: ready at %s (schema v%d)", cfg.DatabaseDSN(), db.CurrentSchemaVersion)

	cipher, errKey := secret.Load(cfg.EncryptionKeyPath)
	if errKey != nil {
		return &exitError{code: exitConfigError, err: errKey}
	}

	authSvc := auth.NewService(conn)
	if errSeed := authSvc.Seed(ctx, cfg.InitialPassword); errSeed != nil {
		return &exitError{code: exitConfigError, err: errSeed}
	}

	store := catalog.NewStore()
	registry := adapters.NewRegistry()
	configs := upstreams.NewService(conn, cipher, store)
	if result, errReload := configs.Reload(ctx); errReload != nil {
		return &exitError{code: exitConfigError, err: errReload}
	} else if len(result.Failed) > 0 {
		for _, failure := range result.Failed {
			log.Warnf("upstreams: config %d excluded from snapshot: %s", failure.ID, failure.Reason)
		}
	}

	recorder := usage.NewRecorder(conn, cfg.UsageQueueSize, cfg.UsageBatchSize, 0)
	recorder.Start()
	defer recorder.Stop()

	prober := health.NewProber(conn, store, registry, cfg.HealthCheckInterval())
	prober.Start()
	defer prober.Stop()

	proxyOpts := proxy.Options{
		TotalTimeout: cfg.UpstreamTimeout(),
		TTFBTimeout:  cfg.UpstreamTTFB(),
		MaxInFlight:  cfg.MaxInFlight,
	}
	general := proxy.NewServer(catalog.EndpointGeneral, store, registry, recorder, conn, proxyOpts)
	special := proxy.NewServer(catalog.EndpointSpecial, store, registry, recorder, conn, proxyOpts)

	dashboards := dashboard.NewQueries(conn)
	adminSrv := admin.NewServer(conn, store, configs, authSvc, dashboards, recorder, registry, func() int64 {
		return general.InFlight() + special.InFlight()
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := []struct {
		name    string
		port    int
		handler http.Handler
	}{
		{"general proxy", cfg.PortGeneral, general.Router()},
		{"special proxy", cfg.PortSpecial, special.Router()},
		{"admin", cfg.PortAdmin, adminSrv.Router()},
	}

	srvErr := make(chan error, len(servers))
	httpServers := make([]*http.Server, 0, len(servers))
	for _, entry := range servers {
		addr := fmt.Sprintf("0.0.0.0:%d", entry.port)
		listener, errListen := net.Listen("tcp", addr)
		if errListen != nil {
			return &exitError{code: exitBindError, err: fmt.Errorf("bind %s listener on %s: %w", entry.name, addr, errListen)}
		}
		srv := &http.Server{Handler: entry.handler}
		httpServers = append(httpServers, srv)

		name := entry.name
		go func() {
			log.Infof("%s listening on %s", name, addr)
			if errServe := srv.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
				srvErr <- fmt.Errorf("%s: %w", name, errServe)
			}
		}()
	}

	select {
	case errServe := <-srvErr:
		return errServe
	case <-ctx.Done():
		log.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, srv := range httpServers {
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("http server shutdown error")
		}
	}

	log.Info("bridge stopped")
	return nil
}
