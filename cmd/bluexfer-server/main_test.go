package main

import (
	"os"
	"path"
	"testing"

	"github.com/bluexfer/bluexfer/internal/bluexfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyDir(t *testing.T) {
	dstDir := t.TempDir()

	err := copyDir("bluexfer/config", dstDir)
	require.NoError(t, err)

	for _, expectedFile := range []string{
		"config.yaml",
		"Files/README.txt",
		"Received/README.txt",
	} {
		fullPath := path.Join(dstDir, expectedFile)
		assert.FileExists(t, fullPath)

		info, err := os.Stat(fullPath)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0), "File %s should not be empty", expectedFile)
	}

	for _, expectedDir := range []string{"Files", "Received"} {
		info, err := os.Stat(path.Join(dstDir, expectedDir))
		require.NoError(t, err)
		assert.True(t, info.IsDir(), "Expected %s to be a directory", expectedDir)
	}
}

func TestCopyDirNonexistentSource(t *testing.T) {
	err := copyDir("nonexistent/directory", t.TempDir())
	assert.ErrorContains(t, err, "failed to read source directory")
}

func TestCopyFileErrors(t *testing.T) {
	t.Run("source file does not exist", func(t *testing.T) {
		err := copyFile("nonexistent.txt", path.Join(t.TempDir(), "dest.txt"))
		assert.ErrorContains(t, err, "failed to open source file")
	})

	t.Run("destination directory does not exist", func(t *testing.T) {
		err := copyFile("bluexfer/config/config.yaml", "/nonexistent/directory/dest.txt")
		assert.ErrorContains(t, err, "failed to create destination file")
	})
}

// The embedded template must load as is once copied.
func TestConfigTemplate(t *testing.T) {
	dstDir := t.TempDir()
	require.NoError(t, copyDir("bluexfer/config", dstDir))

	config, err := bluexfer.LoadConfig(path.Join(dstDir, "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "bluez", config.Transport)
	assert.Equal(t, path.Join(dstDir, "Files"), config.FileRoot)
	assert.Equal(t, path.Join(dstDir, "Received"), config.ReceiveDir)
	assert.Equal(t, "HealthFileReceiver", config.ServiceName)
}

func TestFindConfigPath(t *testing.T) {
	originalDir, err := os.Getwd()
	require.NoError(t, err)
	defer func() { _ = os.Chdir(originalDir) }()

	require.NoError(t, os.Chdir(t.TempDir()))
	require.NoError(t, os.Mkdir("config", 0755))

	assert.Equal(t, "config", findConfigPath())
}
