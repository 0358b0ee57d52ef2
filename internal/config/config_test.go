package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeTemp(t, "rtx.yaml", `
gateway:
  host: "gw.example"
  port: 51071
  timezone: "America/Chicago"
  route: "TEST"
server:
  host: "127.0.0.1"
  http_port: 8080
  tcp_port: 8081
  grpc_port: 8082
features:
  ticker: false
  barchart: true
timeouts:
  barchart: 20
logging:
  level: "debug"
`)
	t.Setenv("TXTRADER_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Gateway --
	if cfg.Gateway.Addr() != "gw.example:51071" {
		t.Errorf("Gateway.Addr() = %q", cfg.Gateway.Addr())
	}
	if cfg.Gateway.Route != "TEST" {
		t.Errorf("Gateway.Route = %q, want %q", cfg.Gateway.Route, "TEST")
	}

	// -- Server --
	if cfg.Server.HTTPPort != 8080 || cfg.Server.TCPPort != 8081 || cfg.Server.GRPCPort != 8082 {
		t.Errorf("Server ports = %+v", cfg.Server)
	}

	// -- Features --
	if cfg.Features.Ticker {
		t.Error("Features.Ticker should be overridden to false")
	}
	if !cfg.Features.Barchart {
		t.Error("Features.Barchart should be true")
	}

	// -- Timeouts keep defaults for unset categories --
	assert.Equal(t, 20*time.Second, cfg.Timeouts.Get(TimeoutBarchart))
	assert.Equal(t, 300*time.Second, cfg.Timeouts.Get(TimeoutOrder))
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	t.Setenv("TXTRADER_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Gateway, cfg.Gateway)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TXTRADER_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("TXTRADER_API_HOST", "10.0.0.5")
	t.Setenv("TXTRADER_API_PORT", "6000")
	t.Setenv("TXTRADER_ENABLE_HIGH_LOW", "1")
	t.Setenv("TXTRADER_TIMEOUT_ADDSYMBOL", "45")
	t.Setenv("TXTRADER_USERNAME", "trader")
	t.Setenv("TXTRADER_LOG_ORDER_UPDATES", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:6000", cfg.Gateway.Addr())
	assert.True(t, cfg.Features.HighLow)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Get("addsymbol"))
	assert.Equal(t, "trader", cfg.Auth.Username)
	assert.True(t, cfg.Logging.OrderUpdates)
}

func TestEnvOverrideBadValue(t *testing.T) {
	t.Setenv("TXTRADER_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("TXTRADER_API_PORT", "not-a-port")

	_, err := Load("")
	assert.ErrorContains(t, err, "TXTRADER_API_PORT")
}

func TestDotEnvFile(t *testing.T) {
	envPath := writeTemp(t, "test.env", "TXTRADER_API_ROUTE=FROM_DOTENV\n")
	t.Setenv("TXTRADER_ENV_FILE", envPath)
	// godotenv never overrides variables already present, so make sure this
	// one is absent and restore it afterwards.
	t.Setenv("TXTRADER_API_ROUTE", "")
	os.Unsetenv("TXTRADER_API_ROUTE")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "FROM_DOTENV", cfg.Gateway.Route)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Timeouts.Timer = 0
	cfg.Gateway.Timezone = "Nowhere/Land"
	cfg.AutoReset.Enabled = true
	cfg.AutoReset.LocalTime = "5am"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeouts.timer")
	assert.Contains(t, err.Error(), "gateway.timezone")
	assert.Contains(t, err.Error(), "auto_reset.local_time")
}

func TestTimeoutsUnknownCategory(t *testing.T) {
	to := Default().Timeouts
	assert.Equal(t, 15*time.Second, to.Get("NOPE"))
}

func TestLoadSampleConfig(t *testing.T) {
	t.Setenv("TXTRADER_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := Load(filepath.Join("..", "..", "config", "rtxbridge.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:51070", cfg.Gateway.Addr())
	assert.Equal(t, "DEMO", cfg.Gateway.Route)
	assert.Equal(t, "txtrader_user", cfg.Auth.Username)
	assert.Equal(t, 300*time.Second, cfg.Timeouts.Get(TimeoutOrder))
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Get(TimeoutBarchart))
	assert.True(t, cfg.Features.SecondsTick)
}
