package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counts(t *testing.T) {
	c := NewWithRegistry(prometheus.NewRegistry())

	c.RunFinished("backup", true, 2*time.Second)
	c.RunFinished("backup", false, time.Second)
	c.RunFinished("backup", true, time.Second)
	c.AddBytes("upload", 4096)
	c.TransferAttempt("s3", "retry")
	c.TransferAttempt("s3", "success")
	c.IncInflight()
	c.IncInflight()
	c.DecInflight()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("backup", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("backup", "failed")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.bytesTotal.WithLabelValues("upload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transferAttempts.WithLabelValues("s3", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inflightParts))
}

func TestCollector_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.RunFinished("restore", true, time.Second)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `dsync_runs_total{kind="restore",status="success"} 1`)
}
