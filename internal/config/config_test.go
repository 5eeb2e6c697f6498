package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.http_port"},
		{"iterations", func(c *Config) { c.Engine.MaxIterations = -1 }, "engine.max_iterations"},
		{"store backend", func(c *Config) { c.Store.Backend = "sqlite" }, "store.backend"},
		{"jetstream without nats", func(c *Config) { c.Store.Backend = StoreJetStream }, "requires nats"},
		{"nats events", func(c *Config) { c.Events.Backend = EventsNATS; c.NATS.URL = "nats://localhost:4222" }, ""},
		{"mcp server", func(c *Config) { c.Tools.MCP = []MCPServer{{Name: "fs"}} }, "tools.mcp[0]"},
		{"temporal", func(c *Config) { c.Temporal.Enabled = true }, "temporal.host_port"},
		{"sample rate", func(c *Config) { c.Observability.SampleRate = 2 }, "sample_rate"},
		{"protocol", func(c *Config) { c.Observability.OTLPProtocol = "udp" }, "otlp_protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	b, err := json.Marshal(Duration(time.Minute))
	require.NoError(t, err)
	assert.JSONEq(t, `"1m0s"`, string(b))
}

func TestSecret_Redacts(t *testing.T) {
	s := Secret("ghp_value")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "ghp_value", s.Value())
	assert.True(t, s.IsSet())

	b, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Token":"[REDACTED]"}`, string(b))

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}
