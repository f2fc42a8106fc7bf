// Package server provides the HTTP control surface the host application
// drives the bridge through.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/hedgeedge/core/internal/config"
	"github.com/hedgeedge/core/internal/copier"
	"github.com/hedgeedge/core/internal/dailylimit"
	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/events"
	"github.com/hedgeedge/core/internal/reader"
	"github.com/hedgeedge/core/internal/reliability"
	"github.com/hedgeedge/core/internal/session"
)

// TerminalGateway is the slice of the channel reader the HTTP layer needs.
type TerminalGateway interface {
	ScanAndConnect(force bool) []string
	Connect(reg *domain.EARegistration) error
	ConnectSlave(reg *domain.EARegistration) error
	ConnectPipe(id, dataPipe, commandPipe string) error
	SafeDisconnect(id string)
	TerminalIDs() []string
	GetLastSnapshot(id string) *domain.AccountSnapshot
	IsTerminalConnected(id string) bool
	IsTerminalAlive(id string) bool
	IsSlaveTerminal(id string) bool
	SendCommand(id, action string, params map[string]interface{}) domain.CommandResult
	OpenPosition(id string, p reader.OpenPositionParams) domain.CommandResult
	ModifyPosition(id, ticket string, sl, tp *float64) domain.CommandResult
	ClosePosition(id, positionID string) domain.CommandResult
	CloseAll(id string) domain.CommandResult
	Pause(id string) domain.CommandResult
	Resume(id string) domain.CommandResult
	Ping(id string) domain.CommandResult
}

// Config holds server wiring.
type Config struct {
	Log       zerolog.Logger
	Cfg       *config.Config
	Bus       *events.Bus
	Terminals TerminalGateway
	Sessions  *session.Manager
	Copier    *copier.Engine
	Limits    *dailylimit.Tracker
	Backup    *reliability.StateBackupService // nil when backup is not configured
	Port      int
}

// Server is the HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	cfg       *config.Config
	bus       *events.Bus
	terminals TerminalGateway
	sessions  *session.Manager
	copier    *copier.Engine
	limits    *dailylimit.Tracker
	backup    *reliability.StateBackupService
	startedAt time.Time
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.Cfg,
		bus:       cfg.Bus,
		terminals: cfg.Terminals,
		sessions:  cfg.Sessions,
		copier:    cfg.Copier,
		limits:    cfg.Limits,
		backup:    cfg.Backup,
		startedAt: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE and websocket streams outlive any fixed write deadline
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	// The host UI runs on a renderer origin (app:// or localhost dev server).
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		eventsStream := NewEventsStreamHandler(s.bus, s.log)
		r.Get("/events/stream", eventsStream.ServeHTTP)
		eventsWS := NewEventsWSHandler(s.bus, s.log)
		r.Get("/events/ws", eventsWS.ServeHTTP)

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
		})

		r.Route("/terminals", func(r chi.Router) {
			r.Get("/", s.handleListTerminals)
			r.Post("/scan", s.handleScan)
			r.Post("/connect", s.handleConnectTerminal)
			r.Post("/pipe", s.handleConnectPipe)

			r.Route("/{terminalID}", func(r chi.Router) {
				r.Get("/", s.handleTerminalStatus)
				r.Get("/snapshot", s.handleTerminalSnapshot)
				r.Post("/disconnect", s.handleTerminalDisconnect)
				r.Post("/command", s.handleTerminalCommand)
				r.Post("/open", s.handleOpenPosition)
				r.Post("/modify", s.handleModifyPosition)
				r.Post("/close", s.handleClosePosition)
				r.Post("/close-all", s.handleCloseAll)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/ping", s.handlePing)
			})
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/connect", s.handleSessionConnect)
			r.Route("/{accountID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Get("/credentials", s.handleSessionCredentials)
				r.Post("/disconnect", s.handleSessionDisconnect)
				r.Delete("/", s.handleSessionArchive)
			})
		})

		r.Route("/copier", func(r chi.Router) {
			r.Put("/groups", s.handleUpdateGroups)
			r.Put("/account-map", s.handleUpdateAccountMap)
			r.Post("/enabled", s.handleSetCopierEnabled)
			r.Get("/stats", s.handleCopierStats)
			r.Get("/activity", s.handleCopierActivity)
			r.Get("/hedge-pnl", s.handleHedgePnL)
			r.Post("/sync-offline", s.handleSyncOffline)
			r.Post("/followers/{followerID}/reset-breaker", s.handleResetBreaker)
		})

		r.Route("/daily-limit", func(r chi.Router) {
			r.Post("/evaluate", s.handleEvaluateDailyLimit)
			r.Get("/{accountID}", s.handleDailyLimitState)
		})

		if s.backup != nil {
			r.Route("/backup", func(r chi.Router) {
				r.Post("/run", s.handleRunBackup)
				r.Get("/list", s.handleListBackups)
			})
		}
	})
}

// Start starts the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
