package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/lifeline-lk/dispatch/internal/directory"
	"github.com/lifeline-lk/dispatch/internal/model"
)

func TestRunCreatesRuntimeDir(t *testing.T) {
	projectDir := t.TempDir()
	require.NoError(t, Run(projectDir, ""))

	base := filepath.Join(projectDir, DirName)
	for _, d := range []string{"spool", "results", "archive", "ledger", "locks", "logs", "quarantine"} {
		info, err := os.Stat(filepath.Join(base, d))
		require.NoError(t, err, "directory %s", d)
		assert.True(t, info.IsDir())
	}
	assert.FileExists(t, filepath.Join(base, "lifeline.md"))
	assert.FileExists(t, filepath.Join(base, "locks", "daemon.lock"))
}

func TestRunGeneratesConfig(t *testing.T) {
	projectDir := t.TempDir()
	require.NoError(t, Run(projectDir, "colombo-dispatch"))

	raw, err := os.ReadFile(filepath.Join(projectDir, DirName, "config.yaml"))
	require.NoError(t, err)

	var cfg model.Config
	require.NoError(t, yamlv3.Unmarshal(raw, &cfg))
	assert.Equal(t, "colombo-dispatch", cfg.Project.Name)
	assert.Equal(t, 4, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, model.DefaultFallbackPrecedence, cfg.Dispatch.FallbackPrecedence)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestRunDefaultsProjectNameToBasename(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "harbor-city")
	require.NoError(t, os.MkdirAll(projectDir, 0755))
	require.NoError(t, Run(projectDir, ""))

	raw, err := os.ReadFile(filepath.Join(projectDir, DirName, "config.yaml"))
	require.NoError(t, err)
	var cfg model.Config
	require.NoError(t, yamlv3.Unmarshal(raw, &cfg))
	assert.Equal(t, "harbor-city", cfg.Project.Name)
}

func TestRunWritesLoadableContacts(t *testing.T) {
	projectDir := t.TempDir()
	require.NoError(t, Run(projectDir, ""))

	d, err := directory.Load(filepath.Join(projectDir, DirName, "contacts.yaml"))
	require.NoError(t, err)

	assert.ElementsMatch(t, []model.Category{model.CategoryPolice, model.CategoryFire, model.CategoryMedical}, d.Categories())
	fire := d.ContactsFor(model.CategoryFire)
	require.NotEmpty(t, fire)
	assert.Equal(t, 1, fire[0].Priority)
}

func TestRunRefusesExistingDir(t *testing.T) {
	projectDir := t.TempDir()
	require.NoError(t, Run(projectDir, ""))

	err := Run(projectDir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
