package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/feed"
	"github.com/hamed0406/safealert/internal/repo"
	"github.com/hamed0406/safealert/internal/vault"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "bad payload")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// ---- alerts ----

type alertDetail struct {
	Alert    *domain.AlertEvent       `json:"alert"`
	Attempts []domain.DeliveryAttempt `json:"attempts"`
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeErr(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	as, err := s.Alerts.List(r.Context(), limit)
	if err != nil {
		s.Logger.Error("list_alerts_error", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "list error")
		return
	}
	if as == nil {
		as = []*domain.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, as)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.Alerts.Get(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.Logger.Error("get_alert_error", zap.String("alert_id", id), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "get error")
		return
	}
	atts, err := s.Alerts.Attempts(r.Context(), id)
	if err != nil {
		s.Logger.Error("get_attempts_error", zap.String("alert_id", id), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "get error")
		return
	}
	if atts == nil {
		atts = []domain.DeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, alertDetail{Alert: a, Attempts: atts})
}

// ---- positions and triggers ----

type positionPayload struct {
	Lat            float64   `json:"lat" validate:"gte=-90,lte=90"`
	Lng            float64   `json:"lng" validate:"gte=-180,lte=180"`
	AccuracyMeters float64   `json:"accuracy_m" validate:"gte=0"`
	Time           time.Time `json:"time"`
	Source         string    `json:"source" validate:"max=64"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var p positionPayload
	if !s.decode(w, r, &p) {
		return
	}
	f := feed.Fix{Time: p.Time.UTC(), Lat: p.Lat, Lng: p.Lng, AccuracyMeters: p.AccuracyMeters, Source: p.Source}
	if p.Time.IsZero() {
		f.Time = now()
	}
	if err := s.Positions.Offer(f); err != nil {
		s.Logger.Warn("position_rejected", zap.Error(err))
		writeErr(w, http.StatusServiceUnavailable, "feed busy")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type sosPayload struct {
	Lat *float64 `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lng *float64 `json:"lng" validate:"omitempty,gte=-180,lte=180"`
}

func (s *Server) handleSOS(w http.ResponseWriter, r *http.Request) {
	var p sosPayload
	if r.ContentLength != 0 && !s.decode(w, r, &p) {
		return
	}
	smp := domain.PositionSample{Time: now(), Kind: domain.SampleManual, Source: "api"}
	if p.Lat != nil && p.Lng != nil {
		smp.Lat, smp.Lng = *p.Lat, *p.Lng
	}
	if err := s.Triggers.Inject(r.Context(), smp); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "could not queue")
		return
	}
	s.Logger.Info("sos_triggered")
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "at": smp.Time})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	smp := domain.PositionSample{Time: now(), Kind: domain.SampleCancel, Source: "api"}
	if err := s.Triggers.Inject(r.Context(), smp); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "could not queue")
		return
	}
	s.Logger.Info("sos_cancel_requested")
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "at": smp.Time})
}

type checkInPayload struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var p checkInPayload
	if !s.decode(w, r, &p) {
		return
	}
	s.Engine.SetCheckIn(*p.Enabled)
	s.Logger.Info("check_in_changed", zap.Bool("enabled", *p.Enabled))
	writeJSON(w, http.StatusOK, map[string]bool{"check_in": s.Engine.CheckIn()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.Status())
}

// ---- zones ----

type zonePayload struct {
	ID           string          `json:"id" validate:"omitempty,max=64"`
	Name         string          `json:"name" validate:"max=128"`
	Mode         domain.ZoneMode `json:"mode" validate:"required,oneof=SAFE DANGER"`
	Active       *bool           `json:"active"`
	Center       domain.LatLng   `json:"center"`
	RadiusMeters float64         `json:"radius_m" validate:"required_without=Polygon,gte=0"`
	Polygon      []domain.LatLng `json:"polygon" validate:"omitempty,min=3,dive"`
}

func (s *Server) handlePutZone(w http.ResponseWriter, r *http.Request) {
	var p zonePayload
	if !s.decode(w, r, &p) {
		return
	}
	z := &domain.SafetyZone{
		ID:           p.ID,
		Name:         p.Name,
		Mode:         p.Mode,
		Active:       p.Active == nil || *p.Active,
		Center:       p.Center,
		RadiusMeters: p.RadiusMeters,
		Polygon:      p.Polygon,
		UpdatedAt:    now(),
	}
	if z.ID == "" {
		z.ID = uuid.NewString()
	}
	if err := s.Zones.PutZone(r.Context(), z); err != nil {
		s.Logger.Error("put_zone_error", zap.String("zone_id", z.ID), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "could not save")
		return
	}
	s.refresh(r.Context())
	s.Logger.Info("zone_saved", zap.String("zone_id", z.ID), zap.String("mode", string(z.Mode)))
	writeJSON(w, http.StatusCreated, z)
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	zs, err := s.Zones.ListZones(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list error")
		return
	}
	if zs == nil {
		zs = []domain.SafetyZone{}
	}
	writeJSON(w, http.StatusOK, zs)
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.Zones.DeleteZone(r.Context(), id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not found")
		return
	case err != nil:
		writeErr(w, http.StatusInternalServerError, "delete error")
		return
	}
	s.refresh(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// ---- contacts ----

// contactView is what leaves the process: channel kinds, never identifiers.
type contactView struct {
	ID       string               `json:"id"`
	Name     string               `json:"name"`
	Priority int                  `json:"priority"`
	Channels []domain.ChannelKind `json:"channels"`
}

func viewOf(c domain.TrustedContact) contactView {
	v := contactView{ID: c.ID, Name: c.Name, Priority: c.Priority, Channels: []domain.ChannelKind{}}
	for _, ch := range c.Channels {
		v.Channels = append(v.Channels, ch.Kind)
	}
	return v
}

func (s *Server) handlePutContact(w http.ResponseWriter, r *http.Request) {
	var in vault.ContactInput
	if !s.decode(w, r, &in) {
		return
	}
	c, err := s.Contacts.Put(r.Context(), in)
	if err != nil {
		s.Logger.Error("put_contact_error", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "could not save")
		return
	}
	s.refresh(r.Context())
	s.Logger.Info("contact_saved", zap.String("contact_id", c.ID), zap.Int("channels", len(c.Channels)))
	writeJSON(w, http.StatusCreated, viewOf(*c))
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	cs, err := s.Contacts.List(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list error")
		return
	}
	out := make([]contactView, 0, len(cs))
	for _, c := range cs {
		out = append(out, viewOf(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.Contacts.Delete(r.Context(), id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not found")
		return
	case err != nil:
		writeErr(w, http.StatusInternalServerError, "delete error")
		return
	}
	s.refresh(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
