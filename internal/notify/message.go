package notify

import (
	"fmt"
	"strings"

	"github.com/hamed0406/safealert/internal/domain"
)

// SMSPartLen is the size of one SMS segment.
const SMSPartLen = 160

func describe(a domain.AlertEvent) string {
	switch a.Cause {
	case domain.CauseZoneExit:
		return "Left safe zone " + a.ZoneID + "."
	case domain.CauseZoneEnter:
		return "Entered danger zone " + a.ZoneID + "."
	case domain.CauseNoMotion:
		return "Missed check-in, no movement detected."
	default:
		return ""
	}
}

// FormatAlert renders the text sent to contacts.
func FormatAlert(a domain.AlertEvent) string {
	var b strings.Builder
	b.WriteString("EMERGENCY: I need help!")
	if d := describe(a); d != "" {
		b.WriteString(" " + d)
	}
	if a.Sample.HasPosition() {
		ll := fmt.Sprintf("%.6f,%.6f", a.Sample.Lat, a.Sample.Lng)
		fmt.Fprintf(&b, " My current location: Lat: %.6f, Long: %.6f", a.Sample.Lat, a.Sample.Lng)
		b.WriteString(" https://maps.google.com/?q=" + ll)
	}
	b.WriteString(" Alert ID: " + a.ID)
	return b.String()
}

// SplitSMS cuts msg into parts of at most n runes, preferring to break at a
// space.
func SplitSMS(msg string, n int) []string {
	r := []rune(msg)
	if len(r) <= n {
		return []string{msg}
	}
	var parts []string
	for len(r) > n {
		cut := n
		for i := n; i > n/2; i-- {
			if r[i] == ' ' {
				cut = i
				break
			}
		}
		parts = append(parts, string(r[:cut]))
		r = r[cut:]
		for len(r) > 0 && r[0] == ' ' {
			r = r[1:]
		}
	}
	if len(r) > 0 {
		parts = append(parts, string(r))
	}
	return parts
}
