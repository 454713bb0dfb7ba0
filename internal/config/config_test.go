package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aretw0/labrun/pkg/domain"
	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(context.Background(), Options{Lookuper: envconfig.MapLookuper(nil)})
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.Equal(t, domain.ModeRemote, cfg.DefaultMode())
}

func TestLoad_Layers(t *testing.T) {
	file := writeFile(t, "labrun.yaml", `
mode: local
stale_after: 45s
remote:
  base_url: http://lab:9000
  max_retries: 5
store:
  driver: redis
  compression: true
`)
	envFile := writeFile(t, ".env", `
LABRUN_REMOTE_BASE_URL=http://dotenv:1
LABRUN_LOG_LEVEL=debug
`)

	cfg, err := Load(context.Background(), Options{
		File:    file,
		EnvFile: envFile,
		Lookuper: envconfig.MapLookuper(map[string]string{
			"LABRUN_REMOTE_BASE_URL":  "http://env:2",
			"LABRUN_STORE_COMPRESSION": "false",
			"LABRUN_LOCAL_TIME_SCALE":  "0.5",
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ModeLocal, cfg.DefaultMode(), "yaml overrides defaults")
	assert.Equal(t, 45*time.Second, cfg.StaleAfter)
	assert.Equal(t, uint64(5), cfg.Remote.MaxRetries)
	assert.Equal(t, time.Second, cfg.Remote.RetryDelay, "unset values keep defaults")
	assert.Equal(t, "http://env:2", cfg.Remote.BaseURL, "environment beats .env and yaml")
	assert.Equal(t, "debug", cfg.LogLevel, ".env fills what the environment lacks")
	assert.False(t, cfg.Store.Compression, "environment can switch a bool off")
	assert.Equal(t, 0.5, cfg.Local.TimeScale)
	assert.Equal(t, StoreRedis, cfg.Store.Driver)
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load(context.Background(), Options{
		EnvFile:  filepath.Join(t.TempDir(), "missing.env"),
		Lookuper: envconfig.MapLookuper(nil),
	})
	assert.NoError(t, err)
}

func TestLoad_Errors(t *testing.T) {
	ctx := context.Background()
	empty := envconfig.MapLookuper(nil)

	_, err := Load(ctx, Options{File: filepath.Join(t.TempDir(), "nope.yaml"), Lookuper: empty})
	assert.Error(t, err)

	_, err = Load(ctx, Options{File: writeFile(t, "bad.yaml", "mode: [unclosed"), Lookuper: empty})
	assert.Error(t, err)

	_, err = Load(ctx, Options{Lookuper: envconfig.MapLookuper(map[string]string{"LABRUN_MODE": "quantum"})})
	assert.ErrorContains(t, err, "invalid mode")

	_, err = Load(ctx, Options{Lookuper: envconfig.MapLookuper(map[string]string{"LABRUN_STORE_DRIVER": "sql"})})
	assert.ErrorContains(t, err, "dsn")

	_, err = Load(ctx, Options{Lookuper: envconfig.MapLookuper(map[string]string{"LABRUN_STALE_AFTER": "soon"})})
	assert.Error(t, err)
}

func TestOverride(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Override([]string{
		"mode=local",
		"remote.timeout=5s",
		"remote.max_retries=7",
		"store.compression=false",
		"local.time_scale=0.25",
		"bus.url=nats://127.0.0.1:4222",
	}))
	assert.Equal(t, domain.ModeLocal, cfg.DefaultMode())
	assert.Equal(t, 5*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, uint64(7), cfg.Remote.MaxRetries)
	assert.Equal(t, "http://localhost:8080", cfg.Remote.BaseURL, "siblings are kept")
	assert.False(t, cfg.Store.Compression)
	assert.Equal(t, 0.25, cfg.Local.TimeScale)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Bus.URL)

	assert.NoError(t, cfg.Override(nil))
	assert.Error(t, cfg.Override([]string{"mode"}))
	assert.Error(t, cfg.Override([]string{"remote.nope=1"}))
	assert.Error(t, cfg.Override([]string{"remote.timeout=later"}))
	assert.Error(t, cfg.Override([]string{"mode=quantum"}))
}
