package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IntentSubmissions.WithLabelValues("tenant-a", "queued").Inc()
	m.BreakerState.WithLabelValues("trustEngine").Set(BreakerStateValue("open"))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	var found bool
	for _, f := range families {
		if f.GetName() == "intent_submissions_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBreakerStateValue(t *testing.T) {
	assert.Equal(t, float64(0), BreakerStateValue("closed"))
	assert.Equal(t, float64(1), BreakerStateValue("half_open"))
	assert.Equal(t, float64(2), BreakerStateValue("open"))
}

func TestSecondRegistryIsIndependent(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	m1 := New(reg1)
	m2 := New(reg2)

	m1.ExecutionTotal.WithLabelValues("succeeded").Inc()

	mf := &dto.MetricFamily{}
	families, err := reg2.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "execution_total" {
			mf = f
		}
	}
	assert.Empty(t, mf.GetMetric())
	_ = m2
}
