package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(payments.WithLabelValues("non_custodial", "confirmed"))
	RecordPayment("non_custodial", "confirmed")
	assert.Equal(t, before+1, testutil.ToFloat64(payments.WithLabelValues("non_custodial", "confirmed")))

	VerificationStarted()
	VerificationStarted()
	VerificationFinished()
	assert.Equal(t, float64(1), testutil.ToFloat64(pendingVerifications))
	VerificationFinished()

	done := RequestStarted()
	assert.Equal(t, float64(1), testutil.ToFloat64(httpInFlight))
	done("GET", "", 404)
	assert.Equal(t, float64(0), testutil.ToFloat64(httpInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(httpRequests.WithLabelValues("GET", "unmatched", "404")))

	RecordChainWrite("deploy_dao", "confirmed", time.Second)
	assert.Equal(t, float64(1), testutil.ToFloat64(chainWrites.WithLabelValues("deploy_dao", "confirmed")))
}

func TestHandler(t *testing.T) {
	RecordLogin(true)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "blockspeak_auth_logins_total")
}
