package repo_test

import (
	"testing"

	"github.com/hamed0406/safealert/internal/repo"
	"github.com/hamed0406/safealert/internal/repo/badgerstore"
	"github.com/hamed0406/safealert/internal/repo/memory"
	pg "github.com/hamed0406/safealert/internal/repo/postgres"
)

// Compile-time interface satisfaction checks.
// Using external test package avoids import cycle.
func TestInterfaceSatisfaction(t *testing.T) {
	var _ repo.Store = memory.New()

	// Durable adapters compile against the same port.
	var _ repo.Store = (*badgerstore.Store)(nil)
	var _ repo.Store = (*pg.Store)(nil)
}
