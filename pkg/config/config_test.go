package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "ramstore", config.Store.Backend)
	assert.Equal(t, "zstd", config.Store.Compression)
	assert.Equal(t, 10240, config.Store.KmsgBytes)
	assert.Equal(t, 1<<20, config.Region.Size)
	assert.Equal(t, 64*1024, config.Region.RecordSize)
	assert.Equal(t, 16, config.Region.ECCSize)
	assert.Equal(t, 8080, config.Port)
	assert.Equal(t, "127.0.0.1", config.Bind)
	assert.Equal(t, "info", config.Logging.Level)
	assert.NoError(t, config.Validate())
}

func TestLoadConfig(t *testing.T) {
	t.Run("load existing config", func(t *testing.T) {
		tmpDir := t.TempDir()

		configPath := filepath.Join(tmpDir, "config.yaml")
		expected := DefaultConfig()
		expected.Region.Path = "/dev/shm/crash.region"
		expected.Region.Size = 1 << 21
		expected.Store.Backend = "pebble"
		expected.Port = 9000
		expected.Bind = "0.0.0.0"
		expected.Logging.Level = "debug"

		require.NoError(t, SaveConfig(expected, configPath))

		loaded, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, expected, loaded)
	})

	t.Run("partial config keeps defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("port: 9999\n"), 0600))

		loaded, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, 9999, loaded.Port)
		assert.Equal(t, "ramstore", loaded.Store.Backend)
		assert.Equal(t, "zstd", loaded.Store.Compression)
	})

	t.Run("load non-existent config", func(t *testing.T) {
		_, err := LoadConfig("/non/existent/config.yaml")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "config file does not exist")
	})

	t.Run("load invalid yaml", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0644))

		_, err := LoadConfig(configPath)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})
}

func TestValidate(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		config := DefaultConfig()
		config.Store.Backend = "floppy"
		assert.ErrorContains(t, config.Validate(), "unknown backend")
	})

	t.Run("region too small", func(t *testing.T) {
		config := DefaultConfig()
		config.Region.Size = 1024
		assert.ErrorContains(t, config.Validate(), "below the 4096 byte minimum")
	})

	t.Run("oversubscribed region", func(t *testing.T) {
		config := DefaultConfig()
		config.Region.Size = 64 * 1024
		config.Region.ConsoleSize = 48 * 1024
		config.Region.MsgSize = 32 * 1024
		assert.ErrorContains(t, config.Validate(), "exceed the region")
	})

	t.Run("pebble backend skips region checks", func(t *testing.T) {
		config := DefaultConfig()
		config.Store.Backend = "pebble"
		config.Region.Size = 0
		assert.NoError(t, config.Validate())
	})

	t.Run("bad port", func(t *testing.T) {
		config := DefaultConfig()
		config.Port = -1
		assert.ErrorContains(t, config.Validate(), "invalid port")
	})
}

func TestSaveConfig(t *testing.T) {
	tmpDir := t.TempDir()

	configPath := filepath.Join(tmpDir, "config.yaml")
	config := DefaultConfig()

	require.NoError(t, SaveConfig(config, configPath))

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, config, loaded)
}

func TestGetDefaultConfigPath(t *testing.T) {
	path := GetDefaultConfigPath()
	assert.NotEmpty(t, path)
	assert.Contains(t, path, "muninn")
	assert.Contains(t, path, "config.yaml")
}

func TestConfigExists(t *testing.T) {
	tmpDir := t.TempDir()

	existingPath := filepath.Join(tmpDir, "exists.yaml")
	nonExistentPath := filepath.Join(tmpDir, "does-not-exist.yaml")

	require.NoError(t, os.WriteFile(existingPath, []byte("test"), 0644))

	assert.True(t, ConfigExists(existingPath))
	assert.False(t, ConfigExists(nonExistentPath))
}

func TestConfigYAMLMarshalling(t *testing.T) {
	config := DefaultConfig()
	config.Region.TraceSize = 128 * 1024
	config.Region.TraceZones = 4
	config.Security.ClientAPIKey = "client-api-key-789"

	data, err := yaml.Marshal(config)
	require.NoError(t, err)

	var unmarshalled Config
	require.NoError(t, yaml.Unmarshal(data, &unmarshalled))
	assert.Equal(t, config, &unmarshalled)
}

func TestSaveConfigErrorHandling(t *testing.T) {
	config := DefaultConfig()

	invalidPath := "/invalid/path/that/cannot/be/created/config.yaml"

	err := SaveConfig(config, invalidPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create config directory")
}
