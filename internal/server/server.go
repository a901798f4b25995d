package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/BekaChkhiro/Planflow-sub003/internal/gate"
	"github.com/BekaChkhiro/Planflow-sub003/internal/server/middleware"
	"github.com/BekaChkhiro/Planflow-sub003/internal/session"
	"github.com/BekaChkhiro/Planflow-sub003/pkg/config"
	"github.com/BekaChkhiro/Planflow-sub003/pkg/registry"
	"github.com/BekaChkhiro/Planflow-sub003/pkg/transport"
)

type App struct {
	logger   *slog.Logger
	registry *registry.Registry
	gate     *gate.Gate
	wg       sync.WaitGroup
	http     *http.Server
	config   *config.Config

	// live tracks transport connections for shutdown; the registry only holds
	// send sinks for admitted connections.
	liveMu sync.Mutex
	live   map[uuid.UUID]*transport.Connection

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, g *gate.Gate) *App {
	reg := registry.New(logger, cfg.Registry.LockTTL)

	app := &App{
		logger:   logger,
		registry: reg,
		gate:     g,
		config:   cfg,
		live:     make(map[uuid.UUID]*transport.Connection),
		ctx:      rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewConnectionLimiter(
				logger,
				reg.CountTotal,
				app.config.Server.ConnectionLimit,
			),
		),
	)
	mux.HandleFunc("/stats", app.statsHandler)

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Registry exposes the shared registry, mainly for the surrounding system's
// operational accessors.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)

	// Admission happens after the upgrade so a rejection reaches the client
	// as a close code rather than an opaque handshake failure.
	credential := r.URL.Query().Get("token")
	projectID := r.URL.Query().Get("project")
	identity, projectName, admErr := a.gate.Admit(r.Context(), credential, projectID)
	if admErr != nil {
		connLogger.Warn("Connection rejected at admission", slog.Any("error", admErr))
		conn.CloseWithStatus(admErr.Code, admErr.Reason)
		return
	}

	connLogger = connLogger.With(
		slog.String("userID", identity.UserID),
		slog.String("projectID", projectID),
	)

	handler := session.NewHandler(a.logger, a.registry, conn, identity, projectID, projectName)
	conn.SetOnMessageHandler(handler.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		handler.HandleClose(id, err)
		a.forget(id)
	})
	a.track(conn)

	connLogger.Info("User connection fully established")
	// Register before the pumps start so a stream that dies immediately
	// funnels through teardown with the connection present. The snapshot
	// reply only queues into the send buffer, so this is safe pre-Run.
	handler.Start()
	conn.Run()
	<-conn.Done()
}

func (a *App) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := struct {
		Connections    int      `json:"connections"`
		ActiveProjects []string `json:"activeProjects"`
	}{
		Connections:    a.registry.CountTotal(),
		ActiveProjects: a.registry.ActiveProjectIDs(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		a.logger.Error("Failed to write stats response", slog.Any("error", err))
	}
}

func (a *App) track(conn *transport.Connection) {
	a.liveMu.Lock()
	defer a.liveMu.Unlock()
	a.live[conn.ID()] = conn
}

func (a *App) forget(id uuid.UUID) {
	a.liveMu.Lock()
	defer a.liveMu.Unlock()
	delete(a.live, id)
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	a.liveMu.Lock()
	conns := make([]*transport.Connection, 0, len(a.live))
	for _, conn := range a.live {
		conns = append(conns, conn)
	}
	a.liveMu.Unlock()
	for _, conn := range conns {
		conn.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
