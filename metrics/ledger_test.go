package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/balance-ledger/ledger"
)

func TestLedgerMetrics_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLedgerMetrics(reg)

	m.ObserveRecord("debit", ledger.OutcomeAdmitted, 2*time.Millisecond)
	m.ObserveRecord("debit", ledger.OutcomeRejected, time.Millisecond)
	m.ObserveRecord("debit", ledger.OutcomeRejected, time.Millisecond)
	m.ObserveLockWait(time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.records.WithLabelValues("debit", "admitted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.records.WithLabelValues("debit", "rejected")))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	hist := findFamily(mfs, "ledger_lock_wait_seconds")
	require.NotNil(t, hist)
	assert.Equal(t, uint64(1), hist.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestLedgerMetrics_Audit(t *testing.T) {
	m := NewLedgerMetrics(prometheus.NewRegistry())

	m.ObserveAudit(0, false)
	m.ObserveAudit(2, false)
	m.ObserveAudit(0, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.drift))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.audits.WithLabelValues("clean")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.audits.WithLabelValues("drift")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.audits.WithLabelValues("error")))
}

func TestLedgerMetrics_NilRegistererIsNoop(t *testing.T) {
	m := NewLedgerMetrics(nil)
	assert.NotPanics(t, func() {
		m.ObserveRecord("credit", ledger.OutcomeAdmitted, time.Millisecond)
		m.ObserveLockWait(time.Millisecond)
		m.ObserveAudit(1, false)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLedgerMetrics(reg)
	m.ObserveRecord("transfer", ledger.OutcomeAdmitted, time.Millisecond)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `ledger_records_total{op="transfer",outcome="admitted"} 1`))
}

func findFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}
