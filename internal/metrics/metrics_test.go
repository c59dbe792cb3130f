package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Outcome("gossip", "accepted", "", time.Millisecond)
	m.ContentFetch("local", "ok")
	m.ChainCursor("ETH", 1)
	m.GossipDelivery("ALEPH-TEST", "ok")
	m.UnitRestart("gossip")
	m.NodeStats(1, 2, 3, 4)
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Outcome("gossip", "rejected", "duplicate", time.Millisecond)
	m.Outcome("gossip", "rejected", "duplicate", time.Millisecond)
	m.ChainCursor("ETH", 11400042)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("gossip", "rejected", "duplicate")))
	assert.Equal(t, 11400042.0, testutil.ToFloat64(m.chainCursor.WithLabelValues("ETH")))
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ContentFetch("ipfs", "miss")

	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(m.Handler(reg, func() error {
		if !healthy.Load() {
			return errors.New("cache unreachable")
		}
		return nil
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `content_fetch_total{backend="ipfs",result="miss"} 1`)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthy.Store(false)
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
