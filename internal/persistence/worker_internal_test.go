package persistence

import (
	"CohortLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: retry classification
// ============================================================================

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"encoding", permanent(errors.New("encode cohort all at 7")), true},
		{"wrapped encoding", fmt.Errorf("flush: %w", permanent(errors.New("bad record"))), true},
		{"unique violation", &pq.Error{Code: "23505"}, true},
		{"numeric out of range", fmt.Errorf("write: %w", &pq.Error{Code: "22003"}), true},
		{"serialization failure", &pq.Error{Code: "40001"}, false},
		{"connection failure", &pq.Error{Code: "08006"}, false},
		{"plain", errors.New("connection reset by peer"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, isPermanent(tc.err))
		})
	}
}

func TestRetry_PermanentErrorReturnsAtOnce(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	cause := &pq.Error{Code: "23502", Message: "null value in column"}

	calls := 0
	start := time.Now()
	err := retry(context.Background(), zerolog.Nop(), metrics, "flush", func(context.Context) error {
		calls++
		return cause
	})

	require.ErrorIs(t, err, cause)
	require.Equal(t, 1, calls)
	require.Less(t, time.Since(start), 100*time.Millisecond, "must not back off")
	require.Equal(t, 1.0, promtest.ToFloat64(metrics.PersistErrors.WithLabelValues("permanent")))
	require.Zero(t, promtest.ToFloat64(metrics.PersistRetry))
}

func TestRetry_TransientErrorRetriesUntilSuccess(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	calls := 0
	err := retry(context.Background(), zerolog.Nop(), metrics, "flush", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2.0, promtest.ToFloat64(metrics.PersistRetry))
	require.Zero(t, promtest.ToFloat64(metrics.PersistErrors.WithLabelValues("permanent")))
}

func TestRetry_PermanentOnShutdownAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := retry(ctx, zerolog.Nop(), nil, "rollback", func(context.Context) error {
		calls++
		if calls == 1 {
			cancel()
			return errors.New("connection refused")
		}
		return permanent(errors.New("bad row"))
	})

	require.Error(t, err)
	require.True(t, isPermanent(err))
	require.Equal(t, 2, calls)
}
