//go:build !windows

package apoptosis

import (
	"testing"

	"github.com/0lmi/execd/internal/execlog"
)

// Run against a name that matches nothing running; this should be a no-op
// and, critically, must never attempt to signal the current test process.
func TestRunWithNoMatchingNameIsNoop(t *testing.T) {
	Run("execd-test-binary-name-that-does-not-exist", execlog.New("error", false))
}
