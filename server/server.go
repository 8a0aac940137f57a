package server

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/bluetooth"
	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/store"
	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/utils"
)

const (
	DefaultAddr     = ":8080"
	shutdownTimeout = 5 * time.Second
	// commandWait bounds how long a request waits for a transaction outcome.
	commandWait = 60 * time.Second
)

// Bridge is the part of bluetooth.Manager the API drives.
type Bridge interface {
	SendToPager(text string) error
	SendCommand(command string, handler bluetooth.ResultHandler) error
	SetTxPower(dbm int, handler bluetooth.ResultHandler) error
	Forward(n bluetooth.Notification) error
	BondedDevices() ([]bluetooth.Peripheral, error)
	Status() bluetooth.ManagerStatus
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	bridge      Bridge
	store       *store.Store
	wsHub       *utils.WebSocketHub
	broadcaster *utils.WebSocketBroadcaster
	router      *http.ServeMux
	logger      *zap.Logger
	httpServer  *http.Server
}

// NewServer creates a new Server instance.
func NewServer(bridge Bridge, st *store.Store, wsHub *utils.WebSocketHub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		bridge:      bridge,
		store:       st,
		wsHub:       wsHub,
		broadcaster: utils.NewWebSocketBroadcaster(wsHub, logger),
		router:      http.NewServeMux(),
		logger:      logger.Named("server"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/api/send", corsMiddleware(s.handleSend))
	s.router.HandleFunc("/api/command", corsMiddleware(s.handleCommand))
	s.router.HandleFunc("/api/query/", corsMiddleware(s.handleQuery))
	s.router.HandleFunc("/api/txpower", corsMiddleware(s.handleTxPower))
	s.router.HandleFunc("/api/notify", corsMiddleware(s.handleNotify))

	s.router.HandleFunc("/api/config", corsMiddleware(s.handleConfig))
	s.router.HandleFunc("/api/logs", corsMiddleware(s.handleLogs))
	s.router.HandleFunc("/api/devices", corsMiddleware(s.handleDevices))
	s.router.HandleFunc("/api/status", corsMiddleware(s.handleStatus))
	s.router.HandleFunc("/api/bridge/stop", corsMiddleware(s.handleBridgeStop))
}

// Handler returns the router wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return withLogging(s.logger, s.router)
}

// Broadcaster exposes the typed websocket broadcaster.
func (s *Server) Broadcaster() *utils.WebSocketBroadcaster {
	return s.broadcaster
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "listen")
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.wsHub.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server shutdown")
	}
	s.logger.Info("Server gracefully stopped")
	return nil
}
