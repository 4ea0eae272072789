package domain

import "time"

type SampleKind string

const (
	SampleFix    SampleKind = "fix"
	SampleNoFix  SampleKind = "no_fix"
	SampleManual SampleKind = "manual"
	SampleCancel SampleKind = "cancel"
)

// PositionSample is one element of the location feed. NoFix, Manual and Cancel
// samples may carry zero coordinates; HasPosition tells them apart.
type PositionSample struct {
	Time           time.Time  `json:"time"`
	Lat            float64    `json:"lat"`
	Lng            float64    `json:"lng"`
	AccuracyMeters float64    `json:"accuracy_m"`
	Source         string     `json:"source,omitempty"`
	Kind           SampleKind `json:"kind"`
}

func (s PositionSample) HasPosition() bool {
	switch s.Kind {
	case SampleFix:
		return true
	case SampleManual:
		return s.Lat != 0 || s.Lng != 0
	default:
		return false
	}
}

type ZoneMode string

const (
	ZoneSafe   ZoneMode = "SAFE"
	ZoneDanger ZoneMode = "DANGER"
)

type LatLng struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
}

// SafetyZone is either a circle (Center + RadiusMeters) or a polygon.
// A non-empty Polygon takes precedence.
type SafetyZone struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Mode         ZoneMode  `json:"mode" yaml:"mode"`
	Active       bool      `json:"active" yaml:"active"`
	Center       LatLng    `json:"center" yaml:"center"`
	RadiusMeters float64   `json:"radius_m,omitempty" yaml:"radius_m"`
	Polygon      []LatLng  `json:"polygon,omitempty" yaml:"polygon"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

type ChannelKind string

const (
	ChannelSMS  ChannelKind = "sms"
	ChannelAPI  ChannelKind = "api"
	ChannelPush ChannelKind = "push"
)

// ContactChannel holds an identifier sealed by the vault. Plaintext never
// appears on this type.
type ContactChannel struct {
	Kind   ChannelKind `json:"kind"`
	Sealed []byte      `json:"sealed"`
}

type TrustedContact struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Priority  int              `json:"priority"`
	Channels  []ContactChannel `json:"channels"`
	CreatedAt time.Time        `json:"created_at"`
}
