package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/livoras/pageflow/internal/pagemanager"
	"github.com/livoras/pageflow/internal/recorder"
	"github.com/livoras/pageflow/internal/replay"
)

// Config configures the Server's CORS and HTTP behavior.
type Config struct {
	// AllowedOrigin is the single origin CORS allows, per spec.md §4.8's
	// "permissive for a configured origin". Empty disables the
	// Access-Control-Allow-Origin header entirely.
	AllowedOrigin string
}

// Server is the thin typed HTTP mapping onto the page manager (C8),
// grounded on odvcencio-buckley/pkg/ipc/server.go's router/middleware
// wiring (trimmed of its session/auth/project business logic, which has
// no counterpart here).
type Server struct {
	cfg     Config
	pages   *pagemanager.Manager
	hub     *Hub
	replay  *replay.Runner
	logger  *zap.Logger
	router  *chi.Mux
	started time.Time
}

// NewServer wires the router, registers the page manager's broadcast
// hooks against hub, and returns a ready-to-serve Server.
func NewServer(cfg Config, pages *pagemanager.Manager, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		pages:   pages,
		hub:     hub,
		replay:  replay.New(pages, logger),
		logger:  logger.Named("api"),
		started: time.Now(),
	}
	s.wireBroadcasts()
	s.router = s.newRouter()
	return s
}

func (s *Server) wireBroadcasts() {
	s.pages.OnCreate(func(pageID string) {
		ps, err := s.pages.Get(pageID)
		if err != nil {
			return
		}
		s.hub.Broadcast(Envelope{Type: "page-created", Data: pageInfo(ps)})
	})
	s.pages.OnClose(func(pageID string) {
		s.hub.Broadcast(Envelope{Type: "page-closed", Data: map[string]string{"id": pageID}})
	})
	s.pages.OnAction(func(pageID string, a recorder.Action) {
		s.hub.Broadcast(Envelope{Type: "action-recorded", Data: map[string]any{"pageId": pageID, "action": a}})
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AllowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) newRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.hub.ServeWS)

	r.Route("/api/pages", func(r chi.Router) {
		r.Get("/", s.handleListPages)
		r.Post("/", s.handleCreatePage)
		r.Route("/{pageID}", func(r chi.Router) {
			r.Get("/", s.handleGetPage)
			r.Delete("/", s.handleDeletePage)
			r.Post("/navigate", s.handleNavigate)
			r.Post("/navigate-back", s.handleNavigateBack)
			r.Post("/navigate-forward", s.handleNavigateForward)
			r.Post("/reload", s.handleReload)
			r.Get("/structure", s.handleStructure)
			r.Post("/act-xpath", s.handleActXPath)
			r.Post("/act-id", s.handleActID)
			r.Post("/wait", s.handleWait)
			r.Post("/condition", s.handleCondition)
			r.Get("/screenshot", s.handleScreenshot)
			r.Get("/xpath/{encodedID}", s.handleResolveEncodedXPath)
			r.Post("/get-list-html", s.handleGetListHTML)
			r.Post("/get-list-html-by-parent", s.handleGetListHTMLByParent)
			r.Post("/get-element-html", s.handleGetElementHTML)
			r.Delete("/actions/{idx}", s.handleDeleteAction)
			r.Delete("/records", s.handleDeleteAllRecords)
		})
	})

	r.Route("/api/recordings", func(r chi.Router) {
		r.Get("/", s.handleListRecordings)
		r.Get("/{pageID}", s.handleGetRecording)
		r.Get("/{pageID}/files/{filename}", s.handleRecordingFile)
		r.Get("/{pageID}/data/{filename}", s.handleRecordingDataFile)
	})

	r.Post("/api/replay", s.handleReplay)

	return r
}

// Handler returns the server's root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }
