package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

func TestCollector(t *testing.T) {
	c := New()

	c.ObserveConversion(domain.ModeCryptoCrypto, "completed", 120*time.Millisecond)
	c.ObserveConversion(domain.ModeCryptoCrypto, "completed", 80*time.Millisecond)
	c.ObserveConversion(domain.ModeFiatFiat, "rolled_back", time.Second)
	c.ObserveConversion("", "not_authenticated", 0)
	c.IncLockBusy()
	c.IncRollback("succeeded")
	c.IncRollback("failed")
	c.IncRollback("failed")
	c.IncHistoryPersistFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.conversions.WithLabelValues("crypto-crypto", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conversions.WithLabelValues("fiat-fiat", "rolled_back")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conversions.WithLabelValues("unknown", "not_authenticated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lockBusy))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.rollbacks.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.persistFailures))
	assert.Equal(t, 3, testutil.CollectAndCount(c.duration))
}

func TestHandler(t *testing.T) {
	c := New()
	c.IncHistoryPersistFailure()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "convertflow_history_persist_failures_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
