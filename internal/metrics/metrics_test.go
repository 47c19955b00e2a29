package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/rtd/media"
	"github.com/zsiec/rtd/stream"
)

// gather returns the value of every sample as "name{label=value}".
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			out[key] = value(mf.GetType(), m)
		}
	}
	return out
}

func value(typ dto.MetricType, m *dto.Metric) float64 {
	switch typ {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	}
	return 0
}

func TestCollectorObserver(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := New(reg, "")

	c.FrameQueued(media.KindVideo)
	c.FrameQueued(media.KindVideo)
	c.FrameQueued(media.KindAudio)
	c.FrameRejected(media.KindVideo)
	c.FrameDiscarded(media.KindVideo)
	c.QueueDepth(media.KindAudio, 7)

	got := gather(t, reg)
	assert.Equal(t, 2.0, got["rtd_relay_frames_queued_total{kind=video}"])
	assert.Equal(t, 1.0, got["rtd_relay_frames_queued_total{kind=audio}"])
	assert.Equal(t, 1.0, got["rtd_relay_frames_rejected_total{kind=video}"])
	assert.Equal(t, 1.0, got["rtd_relay_frames_discarded_total{kind=video}"])
	assert.Equal(t, 7.0, got["rtd_relay_queue_depth{kind=audio}"])
}

func TestCollectorOpens(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := New(reg, "pull")

	c.ObserveOpen(nil)
	c.ObserveOpen(nil)
	c.ObserveOpen(stream.ErrStreamNotFound)
	c.ObserveOpen(errors.New("boom"))
	c.ObserveClose()

	got := gather(t, reg)
	assert.Equal(t, 2.0, got["pull_session_opens_total{status=10200}"])
	assert.Equal(t, 1.0, got["pull_session_opens_total{status=10404}"])
	assert.Equal(t, 1.0, got["pull_session_opens_total{status=10600}"])
	assert.Equal(t, 1.0, got["pull_session_active"])
}

func TestCollectorDuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	New(reg, "")
	assert.Panics(t, func() { New(reg, "") })
}
