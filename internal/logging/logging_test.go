package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bot.log")

	logger, err := New("INFO", path)
	require.NoError(t, err)

	logger.Info("session started", Participant("P15E2B0D3", "silent")...)
	logger.Debug("hidden")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"participant_id":"P15E2B0D3"`)
	assert.Contains(t, string(data), `"group":"silent"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New("loud", "")
	require.Error(t, err)
}
