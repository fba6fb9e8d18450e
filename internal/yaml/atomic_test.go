package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.yaml")

	data := map[string]any{"request_id": "req_0000000001_deadbeef", "success": true}
	require.NoError(t, AtomicWrite(path, data))

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yamlv3.Unmarshal(content, &got))
	assert.Equal(t, true, got["success"])

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".lifeline-tmp-"), "leftover temp file %s", e.Name())
	}
}

func TestAtomicWriteBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, AtomicWriteRaw(path, []byte("version: 1\n")))
	require.NoError(t, AtomicWriteRaw(path, []byte("version: 2\n")))

	bak, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(bak))

	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "version: 2\n", string(cur))
}

func TestQuarantine(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "spool", "batch.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(bad), 0755))
	require.NoError(t, os.WriteFile(bad, []byte("{{not yaml"), 0644))

	moved, err := Quarantine(dir, bad)
	require.NoError(t, err)

	_, err = os.Stat(bad)
	assert.True(t, os.IsNotExist(err), "original file should be gone")

	assert.Contains(t, moved, "batch.yaml.")
	assert.Contains(t, moved, ".corrupt")
	_, err = os.Stat(moved)
	assert.NoError(t, err)
}
