package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/livepoll/internal/broadcast"
	"github.com/a-essam23/livepoll/internal/history"
	"github.com/a-essam23/livepoll/internal/poll"
	"github.com/a-essam23/livepoll/internal/router"
	"github.com/a-essam23/livepoll/internal/server/middleware"
	"github.com/a-essam23/livepoll/internal/session"
	"github.com/a-essam23/livepoll/pkg/config"
	"github.com/a-essam23/livepoll/pkg/state"
	"github.com/a-essam23/livepoll/pkg/state/statemanager"
	"github.com/a-essam23/livepoll/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	errShutdown = errors.New("server shutting down")
	errCycled   = errors.New("connection cycled by new connection")
)

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	history      *history.Log
	coordinator  *session.Coordinator
	eventRouter  *router.EventRouter
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx             context.Context
	stopCoordinator context.CancelFunc
	shutdownOnce    sync.Once
	shutdownErr     error
}

// NewApp wires the session together and starts its coordinator. The HTTP
// listener is only started by Run.
func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	anonymous, err := state.CompilePermissions(cfg.Server.Auth.AnonymousPermissions)
	if err != nil {
		return nil, fmt.Errorf("invalid anonymous permissions: %w", err)
	}

	stateManager := statemanager.NewInMemoryManager(logger)
	log := history.NewLog()
	coordinator := session.New(logger, stateManager, log, session.Options{
		InboxSize:       cfg.Session.InboxSize,
		KickGracePeriod: cfg.Session.KickGracePeriod,
		// without auth every connection holds PermPresent, so no alias is trustworthy
		PresenterAliases: cfg.Server.Auth.JWTSecret != "",
		Rules: poll.Rules{
			ValidateOptionIndex: cfg.Poll.ValidateOptionIndex,
			SingleVotePerVoter:  cfg.Poll.SingleVotePerParticipant,
		},
	})

	registry := router.NewRegistry(logger)
	registry.RegisterCore()
	logger.Debug("Event router ready", slog.Any("events", registry.Events()))
	var limiter *router.RateLimiter
	if len(cfg.Router.RateLimits) > 0 {
		rates, err := router.ParseRates(registry, cfg.Router.RateLimits)
		if err != nil {
			return nil, fmt.Errorf("invalid router.rateLimits: %w", err)
		}
		limiter = router.NewRateLimiter(logger, rates)
	}
	eventRouter := router.NewEventRouter(logger, coordinator, broadcast.New(logger, stateManager), registry, limiter)

	coordCtx, stopCoordinator := context.WithCancel(context.Background())
	app := &App{
		logger:          logger,
		stateManager:    stateManager,
		history:         log,
		coordinator:     coordinator,
		eventRouter:     eventRouter,
		config:          cfg,
		ctx:             rootCtx,
		stopCoordinator: stopCoordinator,
	}
	go coordinator.Run(coordCtx)

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := middleware.ConnectionCounter(stateManager.ConnectionCountByIP)
	// Create a cycler function that closes over the stateManager and logger.
	connCycler := func(ip string) {
		oldest, found := stateManager.FindOldestConnectionByIP(ip)
		if found {
			logger.Info("Cycling connection: closing oldest", slog.String("ip", ip), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errCycled)
		}
	}

	mux.Handle("GET /ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret, anonymous, state.CompilePermissions),
			middleware.NewConnectionLimiter(
				logger,
				connCounter,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	mux.Handle("/api/",
		middleware.Chain(app.apiRoutes(),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewCORS(cfg.Server.AllowedOrigins),
		),
	)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("OK"))
	})

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

// Handler exposes the routes without a listener, for embedding and tests.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

// Run serves until the root context is cancelled or the listener fails, then shuts down.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
			errCh <- err
		}
	}()

	select {
	case <-a.ctx.Done():
		return a.Shutdown()
	case err := <-errCh:
		if sErr := a.Shutdown(); sErr != nil {
			a.logger.Error("Shutdown after listener failure", slog.Any("error", sErr))
		}
		return err
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.config.Server.AllowedOrigins,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	onClose := func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.eventRouter.Forget(id)
		if dErr := a.coordinator.Submit(context.Background(), session.Disconnect{ConnID: id}); dErr != nil {
			connLogger.Warn("Failed to deregister connection", slog.String("connID", id.String()), slog.Any("error", dErr))
		}
	}
	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.eventRouter.HandleMessage,
		onClose,
		a.logger,
	)
	// register before the read pump starts so the first frame finds its connection
	if err := a.coordinator.Submit(r.Context(), session.Connect{
		Transport:   conn,
		IPAddress:   reqMeta.IP,
		Permissions: reqMeta.Permissions,
	}); err != nil {
		connLogger.Error("Failed to register connection", slog.Any("error", err))
		conn.Close(err)
		return
	}

	connLogger.Info("Connection fully established",
		slog.String("connID", conn.ID().String()),
		slog.String("sub", reqMeta.Subject),
		slog.Bool("presenter", reqMeta.Permissions.Has(state.PermPresent)),
	)
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence. Safe to call more than once.
func (a *App) Shutdown() error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown()
	})
	return a.shutdownErr
}

func (a *App) shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpErr := a.http.Shutdown(shutdownCtx)

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.Connections() {
		conn.Transport.Close(errShutdown)
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.stopCoordinator()
	<-a.coordinator.Done()

	if httpErr != nil {
		return fmt.Errorf("http shutdown: %w", httpErr)
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
