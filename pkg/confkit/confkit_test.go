package confkit_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipe/pkg/confkit"
)

func TestResolvePathAbsolutePassesThrough(t *testing.T) {
	assert.Equal(t, "/absolute/path/file.yaml", confkit.ResolvePath("/base/dir", "/absolute/path/file.yaml"))
}

func TestResolvePathRelativeAnchorsAtBase(t *testing.T) {
	assert.Equal(t, "/base/dir/config/file.yaml", confkit.ResolvePath("/base/dir", "config/file.yaml"))
}

func TestResolvePathExpandsEnvVars(t *testing.T) {
	t.Setenv("CONF_DIR", "rendered")
	assert.Equal(t, "/base/rendered/file.yaml", confkit.ResolvePath("/base", "${CONF_DIR}/file.yaml"))
}

func TestBaseDir(t *testing.T) {
	assert.Equal(t, "/etc/config", confkit.BaseDir("/etc/config/app.yaml"))
	assert.Equal(t, "/", confkit.BaseDir("/app.yaml"))
	assert.Equal(t, "config", confkit.BaseDir("config/app.yaml"))
}

func TestLoadFileParsesYAML(t *testing.T) {
	type sample struct {
		Name  string
		Count int `json:",default=3"`
	}
	path := filepath.Join(t.TempDir(), "sample.yaml")
	require.NoError(t, os.WriteFile(path, []byte("Name: pipeline\n"), 0o644))

	cfg, err := confkit.LoadFile[sample](path, false)
	require.NoError(t, err)
	assert.Equal(t, "pipeline", cfg.Name)
	assert.Equal(t, 3, cfg.Count)
}

func TestLoadFileMissingFile(t *testing.T) {
	_, err := confkit.LoadFile[struct{}](filepath.Join(t.TempDir(), "absent.yaml"), false)
	require.Error(t, err)
}

func TestSectionHydrateSkipsEmptyFile(t *testing.T) {
	section := &confkit.Section[string]{}
	err := section.Hydrate("/base", func(string) (*string, error) {
		t.Fatal("loader should not be called when File is empty")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, section.Value)
}

func TestSectionHydrateResolvesAndLoads(t *testing.T) {
	section := &confkit.Section[string]{File: "config.yaml"}
	loaded := "test value"

	err := section.Hydrate("/base", func(path string) (*string, error) {
		assert.Equal(t, "/base/config.yaml", path)
		return &loaded, nil
	})

	require.NoError(t, err)
	require.NotNil(t, section.Value)
	assert.Equal(t, loaded, *section.Value)
	assert.Equal(t, "/base/config.yaml", section.File)
}

func TestSectionHydratePropagatesLoaderError(t *testing.T) {
	section := &confkit.Section[int]{File: "broken.yaml"}
	boom := errors.New("parse failed")

	err := section.Hydrate("/base", func(string) (*int, error) {
		return nil, boom
	})

	require.ErrorIs(t, err, boom)
	assert.Nil(t, section.Value)
}
