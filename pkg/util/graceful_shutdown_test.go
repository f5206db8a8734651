package util

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestShutdownRunsStageByStage(t *testing.T) {
	gs := NewGracefulShutdown(quietLogger(), time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}

	gs.RegisterFunc("tracing", StageTelemetry, record("tracing"))
	gs.RegisterFunc("database", StageStorage, record("database"))
	gs.RegisterFunc("http", StageIntake, record("http"))
	gs.RegisterFunc("publisher", StageDelivery, record("publisher"))
	gs.RegisterFunc("amqp", StageBroker, record("amqp"))
	gs.RegisterFunc("rule_reloader", StageRules, record("rule_reloader"))

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.Equal(t, []string{"http", "rule_reloader", "publisher", "amqp", "database", "tracing"}, order)
	assert.Zero(t, gs.Len())

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.Len(t, order, 6, "second shutdown must not stop anything again")
}

func TestShutdownCollectsFailures(t *testing.T) {
	gs := NewGracefulShutdown(quietLogger(), 50*time.Millisecond)
	boom := errors.New("close failed")

	closed := false
	gs.RegisterCloser("database", StageStorage, closerFunc(func() error { return boom }))
	gs.Register("publisher", StageDelivery, func(context.Context) error {
		panic("unexpected")
	})
	gs.Register("amqp", StageBroker, func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	gs.RegisterCloser("tracing", StageTelemetry, closerFunc(func() error { closed = true; return nil }))

	err := gs.Shutdown(context.Background())
	require.Error(t, err)

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	failures := joined.Unwrap()
	require.Len(t, failures, 4)

	var rerr *ResourceError
	require.ErrorAs(t, failures[0], &rerr)
	assert.Equal(t, "publisher", rerr.Resource)
	assert.Equal(t, "unexpected", rerr.Panic)

	require.ErrorAs(t, failures[1], &rerr)
	assert.Equal(t, StageBroker, rerr.Stage)
	assert.ErrorIs(t, failures[1], ErrStopTimeout)

	assert.ErrorIs(t, failures[2], ErrStopTimeout, "database was reached after the deadline")
	assert.ErrorIs(t, failures[3], ErrStopTimeout)
	assert.False(t, closed)
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "intake", StageIntake.String())
	assert.Equal(t, "telemetry", StageTelemetry.String())
	assert.Equal(t, "stage(7)", Stage(7).String())
}
