package httpserver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/httpserver"
)

func TestHealthTracker_FlipsAfterConsecutiveFailures(t *testing.T) {
	tr := httpserver.NewHealthTracker(3)
	tr.Register("broker", func(context.Context) error { return nil })
	tr.Register("graph", func(context.Context) error { return errors.New("connection refused") })

	// Two failed polls stay under the threshold.
	for i := 1; i <= 2; i++ {
		report := tr.Check(context.Background())
		assert.True(t, report.Overall, "poll %d", i)
		require.Len(t, report.Dependencies, 2)
		graph := report.Dependencies[1]
		assert.True(t, graph.Healthy)
		assert.Equal(t, i, graph.ConsecutiveFailures)
		assert.Contains(t, graph.Error, "connection refused")
	}

	report := tr.Check(context.Background())
	assert.False(t, report.Overall)
	graph := report.Dependencies[1]
	assert.False(t, graph.Healthy)
	assert.Equal(t, 3, graph.ConsecutiveFailures)

	broker := report.Dependencies[0]
	assert.True(t, broker.Healthy)
	assert.Zero(t, broker.ConsecutiveFailures)
	assert.Empty(t, broker.Error)
}

func TestHealthTracker_SuccessResetsCounter(t *testing.T) {
	fail := true
	tr := httpserver.NewHealthTracker(3)
	tr.Register("staging", func(context.Context) error {
		if fail {
			return errors.New("disk wedged")
		}
		return nil
	})

	tr.Check(context.Background())
	tr.Check(context.Background())

	fail = false
	report := tr.Check(context.Background())
	require.Len(t, report.Dependencies, 1)
	assert.Zero(t, report.Dependencies[0].ConsecutiveFailures)

	// The counter restarted, so two more failures still read healthy.
	fail = true
	tr.Check(context.Background())
	report = tr.Check(context.Background())
	assert.True(t, report.Overall)
	assert.Equal(t, 2, report.Dependencies[0].ConsecutiveFailures)
}

func TestHealthTracker_DefaultThreshold(t *testing.T) {
	tr := httpserver.NewHealthTracker(0)
	tr.Register("classifier", func(context.Context) error { return errors.New("401") })

	assert.True(t, tr.Check(context.Background()).Overall)
	assert.True(t, tr.Check(context.Background()).Overall)
	assert.False(t, tr.Check(context.Background()).Overall)
}

func TestHealthTracker_ReportsInRegistrationOrder(t *testing.T) {
	tr := httpserver.NewHealthTracker(1)
	for _, name := range []string{"staging", "broker", "graph", "classifier", "workers"} {
		tr.Register(name, func(context.Context) error { return nil })
	}

	report := tr.Check(context.Background())
	require.Len(t, report.Dependencies, 5)
	got := make([]string, 0, len(report.Dependencies))
	for _, d := range report.Dependencies {
		got = append(got, d.Name)
	}
	assert.Equal(t, []string{"staging", "broker", "graph", "classifier", "workers"}, got)
}
