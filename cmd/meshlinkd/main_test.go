package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcommons/meshlink/internal/audit"
	"github.com/meshcommons/meshlink/internal/security"
	"github.com/meshcommons/meshlink/internal/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := "store:\n  path: " + filepath.Join(dir, "meshlink.db") + "\n" +
		"security:\n  key_file: " + filepath.Join(dir, "meshlink.keys") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version", "--config", filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "meshlinkd version")
	assert.Contains(t, out, "node firmware")
}

func TestKeygen(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	out, err := run(t, "keygen", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "meshlink.keys")

	m, err := security.LoadMaterial(filepath.Join(dir, "meshlink.keys"))
	require.NoError(t, err)
	assert.Len(t, m.EncryptionKey, security.KeySize)

	_, err = run(t, "keygen", "--config", cfg)
	assert.Error(t, err)
	_, err = run(t, "keygen", "--config", cfg, "--force")
	assert.NoError(t, err)
}

func TestAuditExport(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	db, err := store.Open(filepath.Join(dir, "meshlink.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err = db.ArchiveAudit([]audit.Entry{
		{ID: "a", Timestamp: base, EventType: audit.EventConnection, Severity: audit.SeverityInfo, Source: "serial", Details: "Connected", Success: true},
		{ID: "b", Timestamp: base.Add(time.Second), EventType: audit.EventSOSTriggered, Severity: audit.SeverityCritical, Source: "system", Details: "SOS", Success: true},
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out, err := run(t, "audit", "export", "--config", cfg)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "CONNECTION")
	assert.Contains(t, lines[1], "SOS_TRIGGERED")

	file := filepath.Join(dir, "export.txt")
	_, err = run(t, "audit", "export", "--config", cfg, "--min-severity", "critical", "-f", file)
	require.NoError(t, err)
	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), "\n"))

	_, err = run(t, "audit", "export", "--config", cfg, "--min-severity", "loud")
	assert.Error(t, err)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	_, err := run(t, "serve", "--config", cfg, "--transport", "zigbee")
	assert.ErrorContains(t, err, "transport")
}
