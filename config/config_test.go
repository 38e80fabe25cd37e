package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, SinkFile, cfg.Broker.Sink.Type)
	assert.Equal(t, 5*time.Minute, cfg.Broker.StepTimeout)
	assert.Equal(t, time.Hour, cfg.Broker.SetupTimeout)
	assert.Equal(t, ValidationLog, cfg.Broker.Gate.Validation)
}

func TestLoadTopologyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
broker:
  step_timeout: 30s
  modules:
    broker:
      type: broker
    ondemand1:
      type: http
      endpoint: http://localhost:8001
    planner1:
      type: planner
      endpoint: http://localhost:8002
  sink:
    type: http
    endpoint: http://localhost:8003/events
    batch_size: 50
    high_water: 1000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Broker.StepTimeout)
	assert.Equal(t, SinkHTTP, cfg.Broker.Sink.Type)
	assert.Equal(t, 50, cfg.Broker.Sink.BatchSize)
	require.Len(t, cfg.Broker.Modules, 3)
	assert.Equal(t, TypeHTTP, cfg.Broker.Modules["ondemand1"].Type)
	assert.Equal(t, "http://localhost:8002", cfg.Broker.Modules["planner1"].Endpoint)

	name, err := cfg.Broker.BrokerName()
	require.NoError(t, err)
	assert.Equal(t, "broker", name)
	require.NoError(t, cfg.Broker.Validate())
}

func TestValidateRejectsMissingBroker(t *testing.T) {
	b := Broker{Modules: map[string]Module{
		"ondemand1": {Type: TypeHTTP, Endpoint: "http://localhost:8001"},
	}}
	assert.Error(t, b.Validate())
}

func TestValidateRejectsDoubleBroker(t *testing.T) {
	b := Broker{Modules: map[string]Module{
		"a": {Type: TypeBroker},
		"b": {Type: TypeBroker},
	}}
	assert.Error(t, b.Validate())
}

func TestValidateRejectsMissingEndpoint(t *testing.T) {
	b := Broker{Modules: map[string]Module{
		"broker":    {Type: TypeBroker},
		"ondemand1": {Type: TypeHTTP},
	}}
	assert.Error(t, b.Validate())
}

func TestValidateRejectsUnknownType(t *testing.T) {
	b := Broker{Modules: map[string]Module{
		"broker": {Type: TypeBroker},
		"odd":    {Type: "grpc", Endpoint: "http://x"},
	}}
	assert.Error(t, b.Validate())
}

func TestNormalizeFillsDefaults(t *testing.T) {
	b := Broker{}
	b.Normalize()
	assert.Equal(t, 5*time.Minute, b.StepTimeout)
	assert.Equal(t, time.Hour, b.SetupTimeout)
	assert.Equal(t, ValidationLog, b.Gate.Validation)
	assert.Equal(t, SinkMemory, b.Sink.Type)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MOBSIM_LOG_LEVEL", "debug")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}
