// Package geo holds the geometry the rule evaluator needs: distances in
// meters and signed distance to a zone boundary.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"github.com/hamed0406/safealert/internal/domain"
)

const earthRadiusMeters = 6378137.0

func point(lat, lng float64) orb.Point { return orb.Point{lng, lat} }

// DistanceMeters is the great-circle distance between two coordinates.
func DistanceMeters(aLat, aLng, bLat, bLng float64) float64 {
	return geo.DistanceHaversine(point(aLat, aLng), point(bLat, bLng))
}

// SignedDistance returns the distance in meters from (lat,lng) to the zone
// boundary: negative inside the zone, positive outside.
func SignedDistance(z domain.SafetyZone, lat, lng float64) float64 {
	if len(z.Polygon) >= 3 {
		return polygonSignedDistance(z.Polygon, lat, lng)
	}
	return DistanceMeters(z.Center.Lat, z.Center.Lng, lat, lng) - z.RadiusMeters
}

// Contains reports whether the coordinate lies inside the zone.
func Contains(z domain.SafetyZone, lat, lng float64) bool {
	return SignedDistance(z, lat, lng) < 0
}

func polygonSignedDistance(poly []domain.LatLng, lat, lng float64) float64 {
	ring := make(orb.Ring, 0, len(poly)+1)
	for _, v := range poly {
		ring = append(ring, point(v.Lat, v.Lng))
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	inside := planar.RingContains(ring, point(lat, lng))

	// Boundary distance is measured on a local equirectangular projection
	// centred on the sample, which is accurate at zone scale.
	local := project(ring, lat, lng)
	d := math.Inf(1)
	for i := 0; i+1 < len(local); i++ {
		if sd := planar.DistanceFromSegment(local[i], local[i+1], orb.Point{0, 0}); sd < d {
			d = sd
		}
	}
	if inside {
		return -d
	}
	return d
}

func project(ring orb.Ring, lat, lng float64) orb.Ring {
	k := math.Pi / 180 * earthRadiusMeters
	cos := math.Cos(lat * math.Pi / 180)
	out := make(orb.Ring, len(ring))
	for i, p := range ring {
		out[i] = orb.Point{(p.Lon() - lng) * k * cos, (p.Lat() - lat) * k}
	}
	return out
}
