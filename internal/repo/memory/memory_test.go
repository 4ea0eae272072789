package memory

import (
	"testing"

	"github.com/hamed0406/safealert/internal/repo"
	"github.com/hamed0406/safealert/internal/repo/repotest"
)

func TestMemoryStore_Contract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repo.Store { return New() })
}
