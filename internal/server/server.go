package server

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edsy/edsy/internal/auth"
	"github.com/edsy/edsy/internal/billing"
	"github.com/edsy/edsy/internal/database"
	"github.com/edsy/edsy/internal/geoip"
	"github.com/edsy/edsy/internal/httputil"
	"github.com/edsy/edsy/internal/lesson"
	"github.com/edsy/edsy/internal/playback"
	"github.com/edsy/edsy/internal/profile"
	"github.com/edsy/edsy/internal/ratelimit"
	"github.com/edsy/edsy/internal/source"
	"github.com/edsy/edsy/internal/validate"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	DB               database.DBTX
	Pinger           Pinger
	Storage          lesson.ObjectStorage
	WebFS            fs.FS
	JWTSecret        string
	BaseURL          string
	MaxUploadBytes   int64
	S3PublicEndpoint string
	Entitlements     *profile.Entitlements
	GeoResolver      *geoip.Resolver
	Creem            *billing.Client
	ProProductID     string
	WebhookSecret    string
}

type Server struct {
	router          chi.Router
	pinger          Pinger
	authHandler     *auth.Handler
	profileHandler  *profile.Handler
	lessonHandler   *lesson.Handler
	billingHandlers *billing.Handlers
	webFS           fs.FS
}

func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(SecurityConfig{
		BaseURL:         cfg.BaseURL,
		StorageEndpoint: cfg.S3PublicEndpoint,
	}))

	s := &Server{router: r, pinger: cfg.Pinger, webFS: cfg.WebFS}

	if cfg.DB != nil {
		jwtSecret := cfg.JWTSecret
		if jwtSecret == "" {
			log.Fatal("JWT_SECRET is required; set the environment variable")
		}

		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:8080"
		}

		entitlements := cfg.Entitlements
		if entitlements == nil {
			entitlements = profile.NewEntitlements("", "")
		}

		secureCookies := strings.HasPrefix(baseURL, "https://")
		s.authHandler = auth.NewHandler(cfg.DB, jwtSecret, secureCookies)
		s.profileHandler = profile.NewHandler(cfg.DB, entitlements)

		prober := source.NewProber()
		sessions := playback.NewManager(prober)
		s.lessonHandler = lesson.NewHandler(cfg.DB, cfg.Storage, s.profileHandler, sessions, prober, cfg.MaxUploadBytes)
		if cfg.GeoResolver != nil {
			s.lessonHandler.SetGeoResolver(cfg.GeoResolver)
		}

		if cfg.Creem != nil {
			s.billingHandlers = billing.NewHandlers(cfg.DB, cfg.Creem, sessions, s.profileHandler, baseURL, cfg.ProProductID, cfg.WebhookSecret)
		}
	}

	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/limits", s.handleLimits)

	if s.authHandler != nil {
		authLimiter := ratelimit.NewLimiter(0.5, 5)
		s.router.Route("/api/auth", func(r chi.Router) {
			r.Use(authLimiter.Middleware)
			r.Post("/register", s.authHandler.Register)
			r.Post("/login", s.authHandler.Login)
			r.Post("/refresh", s.authHandler.Refresh)
			r.Post("/logout", s.authHandler.Logout)
		})
	}

	if s.lessonHandler != nil {
		s.router.Get("/api/courses", s.lessonHandler.ListCourses)
		s.router.Get("/api/courses/{id}/lessons", s.lessonHandler.ListLessons)
		s.router.Get("/api/instructors", s.lessonHandler.ListInstructors)
		s.router.Get("/api/categories", s.lessonHandler.ListCategories)

		apiLimiter := ratelimit.NewLimiter(2, 10)
		s.router.Group(func(r chi.Router) {
			r.Use(apiLimiter.Middleware)
			r.Use(s.authHandler.Middleware)

			r.Get("/api/profile", s.profileHandler.Get)
			r.Post("/api/courses/{id}/complete", s.profileHandler.CompleteCourse)

			r.Route("/api/lessons", func(r chi.Router) {
				r.Post("/", s.lessonHandler.PublishLink)
				r.Post("/upload", s.lessonHandler.CreateUpload)
				r.Patch("/{id}", s.lessonHandler.Finalize)
				r.Delete("/{id}", s.lessonHandler.Delete)
				r.Post("/{id}/watch", s.lessonHandler.Watch)
				r.Post("/{id}/play", s.lessonHandler.Play)
			})

			r.Route("/api/playback", func(r chi.Router) {
				r.Post("/time", s.lessonHandler.TimeUpdate)
				r.Post("/dismiss", s.lessonHandler.DismissPaywall)
				r.Post("/stop", s.lessonHandler.StopPlayback)
			})

			if s.billingHandlers != nil {
				r.Post("/api/billing/checkout", s.billingHandlers.CreateCheckout)
			}
		})
	}

	if s.billingHandlers != nil {
		// Signature-verified; Creem cannot send a bearer token.
		s.router.Post("/api/billing/webhook", s.billingHandlers.Webhook)
	}

	if s.webFS != nil {
		spa := newSPAFileServer(s.webFS)
		s.router.NotFound(spa.ServeHTTP)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"database unreachable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, validate.FieldLimits())
}
