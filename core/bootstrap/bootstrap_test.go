package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreconfig "github.com/m3rciful/userbots/core/config"
	coredatabase "github.com/m3rciful/userbots/core/database"
)

func noopLogger(*coreconfig.Config) error { return nil }

func TestRunWithoutDatabaseSkipsConnect(t *testing.T) {
	called := false
	res, err := Run(Options{
		Config:     &coreconfig.Config{},
		LoggerInit: noopLogger,
		Connect: func(context.Context, coredatabase.Config) (*sqlx.DB, error) {
			called = true
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.False(t, called, "connect must not run without database config")
	assert.Nil(t, res.DB)
}

func TestRunPropagatesConnectError(t *testing.T) {
	boom := errors.New("refused")
	migrated := false
	_, err := Run(Options{
		Config:     &coreconfig.Config{},
		Database:   &coredatabase.Config{Host: "db"},
		LoggerInit: noopLogger,
		Connect: func(context.Context, coredatabase.Config) (*sqlx.DB, error) {
			return nil, boom
		},
		Migrate: func(context.Context, *sqlx.DB, coredatabase.Config) error {
			migrated = true
			return nil
		},
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, migrated)
}

func TestRunPropagatesLoggerError(t *testing.T) {
	boom := errors.New("bad log dir")
	_, err := Run(Options{
		Config:     &coreconfig.Config{},
		LoggerInit: func(*coreconfig.Config) error { return boom },
	})
	assert.ErrorIs(t, err, boom)
}

func TestRunRequiresConfig(t *testing.T) {
	_, err := Run(Options{})
	assert.Error(t, err)
}
