package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkUnitTransitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	t.Run("happy path", func(t *testing.T) {
		u := WorkUnit{Status: WorkPending}
		require.NoError(t, u.Start(now))
		assert.Equal(t, WorkInProgress, u.Status)
		require.NotNil(t, u.StartedAt)

		require.NoError(t, u.SetProgress(40))
		assert.Equal(t, 40, u.Progress)

		require.NoError(t, u.Complete(now.Add(time.Minute), nil))
		assert.Equal(t, WorkSuccess, u.Status)
		assert.Equal(t, 100, u.Progress)
		assert.Empty(t, u.Error)
	})

	t.Run("failure keeps verbatim error", func(t *testing.T) {
		u := WorkUnit{Status: WorkPending}
		require.NoError(t, u.Start(now))
		require.NoError(t, u.Complete(now, &RemoteExecutionError{Message: "disk full"}))
		assert.Equal(t, WorkFailed, u.Status)
		assert.Equal(t, "disk full", u.Error)
	})

	t.Run("retry reset then overwrite error", func(t *testing.T) {
		u := WorkUnit{Status: WorkFailed, Error: "disk full"}
		require.NoError(t, u.Reset())
		assert.Equal(t, WorkPending, u.Status)
		require.NoError(t, u.Start(now))
		require.NoError(t, u.Complete(now, ErrDeviceOffline))
		assert.Equal(t, "device offline", u.Error)
	})

	t.Run("success is final", func(t *testing.T) {
		u := WorkUnit{Status: WorkSuccess}
		err := u.Reset()
		var te *TransitionError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, WorkSuccess, te.From)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Error(t, u.Start(now))
	})

	t.Run("pending cannot complete", func(t *testing.T) {
		u := WorkUnit{Status: WorkPending}
		assert.Error(t, u.Complete(now, nil))
		assert.Error(t, u.SetProgress(10))
	})

	t.Run("abort before delivery", func(t *testing.T) {
		u := WorkUnit{Status: WorkPending}
		require.NoError(t, u.Abort(now, ErrShutdown))
		assert.Equal(t, WorkFailed, u.Status)
		assert.Equal(t, "relay shutting down", u.Error)
		require.NotNil(t, u.CompletedAt)
		require.NoError(t, u.Reset())

		started := WorkUnit{Status: WorkInProgress}
		require.NoError(t, started.Abort(now, ErrShutdown))
		assert.Equal(t, WorkFailed, started.Status)

		done := WorkUnit{Status: WorkSuccess}
		assert.ErrorIs(t, done.Abort(now, ErrShutdown), ErrInvalidTransition)
	})

	t.Run("progress clamped", func(t *testing.T) {
		u := WorkUnit{Status: WorkInProgress}
		require.NoError(t, u.SetProgress(250))
		assert.Equal(t, 100, u.Progress)
		require.NoError(t, u.SetProgress(-3))
		assert.Equal(t, 0, u.Progress)
	})
}

func TestAggregateUnits(t *testing.T) {
	units := func(statuses ...WorkStatus) []WorkUnit {
		out := make([]WorkUnit, 0, len(statuses))
		for _, s := range statuses {
			out = append(out, WorkUnit{Status: s})
		}
		return out
	}

	tests := []struct {
		name      string
		units     []WorkUnit
		status    DeploymentStatus
		percent   int
		completed bool
	}{
		{"all success", units(WorkSuccess, WorkSuccess), DeploymentSuccess, 100, true},
		{"all failed", units(WorkFailed, WorkFailed, WorkFailed), DeploymentFailed, 0, true},
		{"mixed terminal", units(WorkSuccess, WorkSuccess, WorkFailed), DeploymentPartiallyFailed, 66, true},
		{"one pending", units(WorkSuccess, WorkPending), DeploymentInProgress, 50, false},
		{"one running", units(WorkFailed, WorkInProgress), DeploymentInProgress, 0, false},
		{"fresh", units(WorkPending, WorkPending), DeploymentInProgress, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := AggregateUnits(tt.units)
			assert.Equal(t, tt.status, agg.Status)
			assert.Equal(t, tt.percent, agg.Percent)
			assert.Equal(t, tt.completed, agg.Completed)
			assert.Equal(t, len(tt.units), agg.Total)
		})
	}
}

func TestPayloadValidate(t *testing.T) {
	assert.ErrorIs(t, Payload{}.Validate(), ErrEmptyPayload)
	assert.ErrorIs(t, Payload{Kind: PayloadInstall}.Validate(), ErrEmptyPayload)
	assert.NoError(t, Payload{Kind: PayloadInstall, Software: []Software{{ID: "nginx"}}}.Validate())
	assert.ErrorIs(t, Payload{Kind: PayloadInstall, Custom: &CustomSoftware{Name: "x"}}.Validate(), ErrInvalidPayload)
	assert.ErrorIs(t, Payload{Kind: PayloadFileCopy, File: &FileCopySpec{SourceURL: "http://x"}}.Validate(), ErrInvalidPayload)
	assert.NoError(t, Payload{Kind: PayloadFileCopy, File: &FileCopySpec{SourceURL: "http://x", Destination: "/tmp/x"}}.Validate())
	assert.ErrorIs(t, Payload{Kind: "reboot"}.Validate(), ErrInvalidPayload)
}
