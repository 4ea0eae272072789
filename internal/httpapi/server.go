package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/engine"
	"github.com/hamed0406/safealert/internal/feed"
	apimw "github.com/hamed0406/safealert/internal/httpapi/middleware"
	"github.com/hamed0406/safealert/internal/repo"
	"github.com/hamed0406/safealert/internal/vault"
)

// PositionSink takes reported fixes; feed.ChannelSource implements it.
type PositionSink interface {
	Offer(f feed.Fix) error
}

// Injector puts manual and cancel samples into the stream; feed.Adapter
// implements it.
type Injector interface {
	Inject(ctx context.Context, s domain.PositionSample) error
}

type Engine interface {
	SetCheckIn(on bool)
	CheckIn() bool
	Refresh(ctx context.Context) error
	Status() engine.Status
}

type Contacts interface {
	Put(ctx context.Context, in vault.ContactInput) (*domain.TrustedContact, error)
	List(ctx context.Context) ([]domain.TrustedContact, error)
	Delete(ctx context.Context, id string) error
}

type Server struct {
	Logger    *zap.Logger
	Alerts    repo.AlertStore
	Zones     repo.ZoneStore
	Contacts  Contacts
	Positions PositionSink
	Triggers  Injector
	Engine    Engine
	Gatherer  prometheus.Gatherer

	validate *validator.Validate
}

func NewServer(s Server) *Server {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Gatherer == nil {
		s.Gatherer = prometheus.DefaultGatherer
	}
	s.validate = validator.New(validator.WithRequiredStructEnabled())
	return &s
}

func (s *Server) Router(keys apimw.Keys, allowedOrigins []string, publicRPM, publicBurst, adminRPM, adminBurst int) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer)
	if len(allowedOrigins) == 0 {
		r.Use(cors.AllowAll().Handler)
	} else {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(apimw.RateLimit(publicRPM, publicBurst), apimw.RequireAny(keys))
			r.Get("/alerts", s.handleListAlerts)
			r.Get("/alerts/{id}", s.handleGetAlert)
			r.Get("/zones", s.handleListZones)
			r.Get("/contacts", s.handleListContacts)
			r.Get("/status", s.handleStatus)
		})
		r.Group(func(r chi.Router) {
			r.Use(apimw.RateLimit(adminRPM, adminBurst), apimw.RequireAdmin(keys))
			r.Post("/positions", s.handlePosition)
			r.Post("/sos", s.handleSOS)
			r.Post("/sos/cancel", s.handleCancel)
			r.Put("/checkin", s.handleCheckIn)
			r.Post("/zones", s.handlePutZone)
			r.Delete("/zones/{id}", s.handleDeleteZone)
			r.Post("/contacts", s.handlePutContact)
			r.Delete("/contacts/{id}", s.handleDeleteContact)
		})
	})
	return r
}

// refresh pushes directory changes to the evaluator snapshot.
func (s *Server) refresh(ctx context.Context) {
	if s.Engine == nil {
		return
	}
	if err := s.Engine.Refresh(ctx); err != nil {
		s.Logger.Warn("engine_refresh_error", zap.Error(err))
	}
}

func now() time.Time { return time.Now().UTC() }
