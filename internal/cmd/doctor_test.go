package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/courtyard/studio/internal/observability"
)

func TestPrintPythonHelp(t *testing.T) {
	// Initialize CLI logger to avoid nil pointer
	_ = observability.InitCLILogger("test", false)

	// This test verifies the function doesn't panic
	// It logs help text for installing the worker runtime
	t.Run("does not panic", func(t *testing.T) {
		assert.NotPanics(t, func() {
			printPythonHelp()
		})
	})
}
