package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StatusSuccess, Status(nil))
	assert.Equal(t, StatusError, Status(errors.New("x")))
}

func TestCollectorsRegistered(t *testing.T) {
	t.Parallel()

	before := testutil.ToFloat64(KeyRotationsTotal.WithLabelValues("test", StatusSuccess))
	KeyRotationsTotal.WithLabelValues("test", StatusSuccess).Inc()
	assert.InDelta(t, before+1, testutil.ToFloat64(KeyRotationsTotal.WithLabelValues("test", StatusSuccess)), 0.001)

	CounterValue.WithLabelValues("test").Set(42)
	assert.InDelta(t, 42, testutil.ToFloat64(CounterValue.WithLabelValues("test")), 0.001)
}
