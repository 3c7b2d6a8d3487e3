package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/gammadia/batchmpi/cli/flags"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setLogFlags(t *testing.T, format, level string) {
	t.Helper()
	viper.Set(flags.LogFormat, format)
	viper.Set(flags.LogLevel, level)
	t.Cleanup(viper.Reset)
}

func TestInitJSON(t *testing.T) {
	setLogFlags(t, "json", "info")

	var buf bytes.Buffer
	require.NoError(t, Init(&buf))

	Component("runner").Debug("hidden")
	Component("runner").Info("Provisioning pool", "pool", "pingpong-pool")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Provisioning pool", record["msg"])
	assert.Equal(t, "runner", record["component"])
	assert.Equal(t, "pingpong-pool", record["pool"])
}

func TestInitWarnUsesCLIComponent(t *testing.T) {
	setLogFlags(t, "text", "warn")

	var buf bytes.Buffer
	require.NoError(t, Init(&buf))

	Warn("Failed to close collaborator")
	assert.Contains(t, buf.String(), "component=cli")
	assert.Contains(t, buf.String(), `msg="Failed to close collaborator"`)
}

func TestInitErrors(t *testing.T) {
	setLogFlags(t, "xml", "info")
	assert.ErrorContains(t, Init(&bytes.Buffer{}), "unknown log format 'xml'")

	setLogFlags(t, "json", "loud")
	assert.ErrorContains(t, Init(&bytes.Buffer{}), "failed to parse log level")
}
