package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigBytes(t *testing.T) {
	c, err := ParseConfigBytes([]byte(`
listen: ":8080"
prefix: "/rpc/"
monitoring:
  listen: ":9090"
logging:
  - outlet: stdout
    level: info
    format: human
    time: true
scopes:
  - scope: math
    protocol: /etc/verdon/math.avpr
    upstream: tcp://backend:24617
    call_timeout: 10s
`))
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Listen)
	assert.Equal(t, "/rpc/", c.Prefix)
	require.NotNil(t, c.Monitoring)
	assert.Equal(t, ":9090", c.Monitoring.Listen)
	require.Len(t, c.Scopes, 1)
	assert.Equal(t, "math", c.Scopes[0].Scope)
	assert.Equal(t, 10*time.Second, c.Scopes[0].CallTimeout)
	require.Len(t, c.Logging, 1)
	assert.Equal(t, "human", c.Logging[0].Format)
}

func TestParseConfigBytesRejects(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"missing listen", "scopes:\n  - protocol: p\n    upstream: tcp://h\n"},
		{"no scopes", "listen: ':8080'\nscopes: []\n"},
		{"missing upstream", "listen: ':8080'\nscopes:\n  - protocol: p\n"},
		{"unknown key", "listen: ':8080'\nbogus: 1\nscopes:\n  - protocol: p\n    upstream: tcp://h\n"},
		{"bad log format", "listen: ':8080'\nlogging:\n  - format: xml\nscopes:\n  - protocol: p\n    upstream: tcp://h\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseConfigBytes([]byte(c.in))
			assert.Error(t, err)
		})
	}
}
