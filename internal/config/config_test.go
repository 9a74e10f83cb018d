package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxic13/docker-utils/internal/config"
	syncerr "github.com/toxic13/docker-utils/internal/errors"
)

// isolate points the XDG lookup at an empty directory so a developer's own config
// does not leak into the test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("XDG_CONFIG_DIRS", filepath.Join(home, "none"))
	xdg.Reload()
	t.Cleanup(xdg.Reload)
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	c, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "docker", c.Engine)
	assert.Equal(t, "ssh", c.SSHProgram)
	assert.Equal(t, "/var/run/docker.sock", c.RemoteSocket)
	assert.Equal(t, "pv", c.DisplayProgram)
	assert.Equal(t, "tee", c.TeeProgram)
	assert.True(t, c.Progress)
	assert.Equal(t, 8, c.Workers)
	assert.Equal(t, 100*time.Millisecond, c.PollInterval)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "text", c.LogFormat)
}

func TestLoad_XDGFile(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, "docker-sync", "config.yaml"), "engine: podman\npoll_interval: 250ms\nworkers: 2\n")
	xdg.Reload()

	c, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "podman", c.Engine)
	assert.Equal(t, 250*time.Millisecond, c.PollInterval)
	assert.Equal(t, 2, c.Workers)
}

func TestLoad_Precedence(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "sync.yaml")
	writeFile(t, path, "engine: from-file\nlog_level: debug\nworkers: 3\n")
	t.Setenv("DOCKER_SYNC_ENGINE", "from-env")
	t.Setenv("DOCKER_SYNC_WORKERS", "5")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("workers", 0, "")
	require.NoError(t, flags.Parse([]string{"--workers", "7"}))

	v := viper.New()
	require.NoError(t, v.BindPFlag(config.KeyWorkers, flags.Lookup("workers")))

	c, err := config.Load(v, path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Engine)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 7, c.Workers)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)

	_, err := config.Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, syncerr.CodeInvalidConfig, syncerr.CodeOf(err))
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		return config.Config{
			Engine:         "docker",
			TeeProgram:     "tee",
			DisplayProgram: "pv",
			Progress:       true,
			Workers:        8,
			PollInterval:   time.Second,
			LogLevel:       "info",
			LogFormat:      "json",
		}
	}

	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"empty engine", func(c *config.Config) { c.Engine = "" }, "engine must not be empty"},
		{"no workers", func(c *config.Config) { c.Workers = 0 }, "workers must be positive"},
		{"zero poll", func(c *config.Config) { c.PollInterval = 0 }, "poll_interval must be positive"},
		{"bad level", func(c *config.Config) { c.LogLevel = "chatty" }, "invalid log level"},
		{"bad format", func(c *config.Config) { c.LogFormat = "xml" }, "log_format must be"},
		{"progress without display", func(c *config.Config) { c.DisplayProgram = "" }, "display_program must be set"},
	}

	c := valid()
	require.NoError(t, c.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, syncerr.CodeInvalidConfig, syncerr.CodeOf(err))
		})
	}
}

func TestSessionOptions(t *testing.T) {
	isolate(t)
	c, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	assert.Len(t, c.SessionOptions(nil), 7)
}
