package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "archive", cfg.Cache.Namespace)
				require.Equal(t, 5*time.Minute, cfg.Cache.TTLDuration())
				require.True(t, cfg.Cache.DedupeInflight)
				require.Equal(t, "memory", cfg.Cache.Durable.Backend)
			},
		},
		{
			name: "merges yaml file overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "stockconsole.yaml")
				contents := "server:\n  listen:\n    port: 9090\ncache:\n  ttl: 30s\n  durable:\n    backend: sqlite\n    sqlite:\n      path: /tmp/cache.db\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 30*time.Second, cfg.Cache.TTLDuration())
				require.Equal(t, "sqlite", cfg.Cache.Durable.Backend)
				require.Equal(t, "/tmp/cache.db", cfg.Cache.Durable.SQLite.Path)
			},
		},
		{
			name: "merges toml file overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "stockconsole.toml")
				contents := "[remote]\nbaseURL = \"https://api.example.test\"\ntimeout = \"3s\"\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "https://api.example.test", cfg.Remote.BaseURL)
				require.Equal(t, 3*time.Second, cfg.Remote.TimeoutDuration())
			},
		},
		{
			name: "merges json file overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "stockconsole.json")
				contents := `{"cache":{"keyPrefix":"console","epoch":4}}`
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "console", cfg.Cache.KeyPrefix)
				require.Equal(t, 4, cfg.Cache.Epoch)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "stockconsole.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("STOCKCONSOLE_SERVER__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
			},
		},
		{
			name: "maps camel case env keys",
			setup: func(t *testing.T) []string {
				t.Setenv("STOCKCONSOLE_CACHE__KEYPREFIX", "fromenv")
				t.Setenv("STOCKCONSOLE_CACHE__DEDUPEINFLIGHT", "false")
				t.Setenv("STOCKCONSOLE_CACHE__DURABLE__QUOTABYTES", "2048")
				t.Setenv("STOCKCONSOLE_REMOTE__BASEURL", "http://remote.internal:8000")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "fromenv", cfg.Cache.KeyPrefix)
				require.False(t, cfg.Cache.DedupeInflight)
				require.Equal(t, int64(2048), cfg.Cache.Durable.QuotaBytes)
				require.Equal(t, "http://remote.internal:8000", cfg.Remote.BaseURL)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails on unsupported extension",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "stockconsole.ini")
				require.NoError(t, os.WriteFile(path, []byte("port=1\n"), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "fails validation",
			setup: func(t *testing.T) []string {
				t.Setenv("STOCKCONSOLE_CACHE__TTL", "-1s")
				return nil
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			cfg, err := NewLoader("STOCKCONSOLE", files...).Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestLoaderFilesSkipsEmpty(t *testing.T) {
	loader := NewLoader("STOCKCONSOLE", "", "a.yaml", "  ")
	require.Equal(t, []string{"a.yaml"}, loader.Files())
}

func TestLoaderHonorsCanceledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stockconsole.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("STOCKCONSOLE", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
