// Package probe checks that the delivery gateways and the owner webhook can
// be reached before the daemon depends on them.
package probe

import "context"

// CheckResult is the unified result of a single probe.
type CheckResult struct {
	Name       string  `json:"name"`
	Success    bool    `json:"success"`
	Message    string  `json:"message"`
	StatusCode int     `json:"status_code,omitempty"`
	LatencyMS  float64 `json:"latency_ms,omitempty"`
}

// Checker performs a single check for a given target URL.
type Checker interface {
	Check(ctx context.Context, target string) CheckResult
}

type MultiChecker struct {
	Checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{Checkers: checkers}
}

// Run runs every checker and reports whether all of them passed.
func (m *MultiChecker) Run(ctx context.Context, target string) ([]CheckResult, bool) {
	ok := true
	results := make([]CheckResult, 0, len(m.Checkers))
	for _, c := range m.Checkers {
		r := c.Check(ctx, target)
		ok = ok && r.Success
		results = append(results, r)
	}
	return results, ok
}
