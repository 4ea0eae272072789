package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hamed0406/safealert/internal/domain"
)

type zonesFile struct {
	Zones []domain.SafetyZone `yaml:"zones"`
}

// LoadZones reads a zones seed file:
//
//	zones:
//	  - id: home
//	    name: Home
//	    mode: SAFE
//	    active: true
//	    center: {lat: 59.3293, lng: 18.0686}
//	    radius_m: 150
func LoadZones(path string) ([]domain.SafetyZone, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f zonesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	seen := map[string]bool{}
	for i := range f.Zones {
		z := &f.Zones[i]
		z.Mode = domain.ZoneMode(strings.ToUpper(string(z.Mode)))
		switch {
		case z.ID == "":
			return nil, fmt.Errorf("zone %d: missing id", i)
		case seen[z.ID]:
			return nil, fmt.Errorf("zone %s: duplicate id", z.ID)
		case z.Mode != domain.ZoneSafe && z.Mode != domain.ZoneDanger:
			return nil, fmt.Errorf("zone %s: mode must be SAFE or DANGER", z.ID)
		case len(z.Polygon) == 0 && z.RadiusMeters <= 0:
			return nil, fmt.Errorf("zone %s: needs radius_m or polygon", z.ID)
		case len(z.Polygon) > 0 && len(z.Polygon) < 3:
			return nil, fmt.Errorf("zone %s: polygon needs at least 3 points", z.ID)
		}
		seen[z.ID] = true
	}
	return f.Zones, nil
}
