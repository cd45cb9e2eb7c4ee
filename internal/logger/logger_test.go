package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "", "bogus"} {
		log, err := New(level, "json")
		require.NoError(t, err, level)
		assert.NotNil(t, log)
	}
}

func TestWith_KeepsServiceName(t *testing.T) {
	base := NopLogger().(*SugaredLogger)
	base.SetServiceName("postal")

	child := base.With("endpoint", "local://orders").(*SugaredLogger)
	assert.Equal(t, "postal", child.serviceName)
}
