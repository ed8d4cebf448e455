package logging

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtth/verdon/config"
	"github.com/mtth/verdon/logger"
)

func sampleEntry() *logger.Entry {
	return &logger.Entry{
		Level:   logger.Info,
		Message: "channel open",
		Time:    time.Date(2021, 4, 3, 12, 0, 0, 0, time.UTC),
		Fields:  logger.Fields{"scope": "math"},
	}
}

func TestHumanFormatter(t *testing.T) {
	f := &HumanFormatter{}
	f.SetMetadataFlags(MetadataLevel)
	out, err := f.Format(sampleEntry())
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "[INFO]")
	assert.Contains(t, s, "channel open")
	assert.Contains(t, s, `scope="math"`)
}

func TestHumanFormatterIgnoreFields(t *testing.T) {
	f := &HumanFormatter{}
	f.SetIgnoreFields([]string{"scope"})
	out, err := f.Format(sampleEntry())
	require.NoError(t, err)
	assert.NotContains(t, string(out), "scope")
}

func TestLogfmtFormatter(t *testing.T) {
	f := &LogfmtFormatter{}
	f.SetMetadataFlags(MetadataLevel)
	out, err := f.Format(sampleEntry())
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "level=INFO")
	assert.Contains(t, s, `msg="channel open"`)
	assert.Contains(t, s, "scope=math")
}

func TestJSONFormatter(t *testing.T) {
	f := &JSONFormatter{}
	f.SetMetadataFlags(MetadataLevel)
	out, err := f.Format(sampleEntry())
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "channel open", m["msg"])
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "math", m["scope"])
}

func TestOutletsFromConfigDefault(t *testing.T) {
	outlets, err := OutletsFromConfig(nil)
	require.NoError(t, err)
	assert.Empty(t, outlets.Get(logger.Debug))
	assert.Len(t, outlets.Get(logger.Error), 1)
}

func TestOutletsFromConfig(t *testing.T) {
	outlets, err := OutletsFromConfig([]config.LoggingOutlet{
		{Outlet: "stdout", Level: "debug", Format: "logfmt"},
	})
	require.NoError(t, err)
	assert.Len(t, outlets.Get(logger.Debug), 1)
}

func TestOutletsFromConfigRejectsTwoStdout(t *testing.T) {
	_, err := OutletsFromConfig([]config.LoggingOutlet{
		{Outlet: "stdout"},
		{Outlet: "stdout"},
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "stdout"))
}

func TestParseOutletRejectsBadFormat(t *testing.T) {
	_, _, err := parseOutlet(config.LoggingOutlet{Format: "xml"})
	assert.Error(t, err)
}
