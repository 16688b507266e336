package main

import (
	"bytes"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appmigrations "github.com/wolfman30/clinic-scheduler/migrations"
)

type fakeMigrator struct {
	upErr      error
	steps      []int
	forced     int
	version    uint
	dirty      bool
	versionErr error
}

func (f *fakeMigrator) Up() error { return f.upErr }

func (f *fakeMigrator) Steps(n int) error {
	f.steps = append(f.steps, n)
	return nil
}

func (f *fakeMigrator) Force(v int) error {
	f.forced = v
	return nil
}

func (f *fakeMigrator) Version() (uint, bool, error) { return f.version, f.dirty, f.versionErr }

func TestRunUpTreatsNoChangeAsSuccess(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(&fakeMigrator{upErr: migrate.ErrNoChange}, nil, &out))
	assert.Contains(t, out.String(), "migrations complete")

	assert.ErrorContains(t, run(&fakeMigrator{upErr: errors.New("syntax error")}, []string{"up"}, &out), "syntax error")
}

func TestRunDownForceVersion(t *testing.T) {
	m := &fakeMigrator{version: 1, dirty: true}
	var out bytes.Buffer

	require.NoError(t, run(m, []string{"down"}, &out))
	assert.Equal(t, []int{-1}, m.steps)

	require.NoError(t, run(m, []string{"force", "1"}, &out))
	assert.Equal(t, 1, m.forced)

	require.NoError(t, run(m, []string{"version"}, &out))
	assert.Contains(t, out.String(), "version 1 (dirty=true)")

	assert.Error(t, run(m, []string{"force"}, &out))
	assert.Error(t, run(m, []string{"force", "x"}, &out))
	assert.Error(t, run(m, []string{"sideways"}, &out))
}

func TestRunVersionWithoutMigrations(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(&fakeMigrator{versionErr: migrate.ErrNilVersion}, []string{"version"}, &out))
	assert.Contains(t, out.String(), "no migrations applied")
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(appmigrations.FS, ".")
	require.NoError(t, err)

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)

	schema, err := fs.ReadFile(appmigrations.FS, "000001_init.up.sql")
	require.NoError(t, err)
	for _, table := range []string{"appointments", "scheduled_jobs", "outbox", "message_deliveries", "appointment_audit_events"} {
		assert.Contains(t, string(schema), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
	assert.Contains(t, string(schema), "appointments_access_code_key")
}
