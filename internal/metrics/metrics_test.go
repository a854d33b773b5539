package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveAttempt("A", OutcomeFound, time.Millisecond)
		m.ObserveLookup("subject", ResultHit)
		m.ObserveProvisioned("google")
	})
}

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAttempt("A", OutcomeDialError, 5*time.Millisecond)
	m.ObserveAttempt("B", OutcomeFound, 10*time.Millisecond)
	m.ObserveAttempt("B", OutcomeFound, 10*time.Millisecond)
	m.ObserveLookup("username", ResultMiss)
	m.ObserveProvisioned("google")

	assert.InDelta(t, 1, testutil.ToFloat64(m.directoryAttempts.WithLabelValues("A", OutcomeDialError)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.directoryAttempts.WithLabelValues("B", OutcomeFound)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.storeLookups.WithLabelValues("username", ResultMiss)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.provisioned.WithLabelValues("google")), 0)

	count, err := testutil.GatherAndCount(reg, "ldap_identity_directory_search_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	err = testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP ldap_identity_userstore_provisioned_total Identities auto-provisioned for external providers.
# TYPE ldap_identity_userstore_provisioned_total counter
ldap_identity_userstore_provisioned_total{provider="google"} 1
`), "ldap_identity_userstore_provisioned_total")
	assert.NoError(t, err)
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.ObserveLookup("subject", ResultHit)
	assert.InDelta(t, 1, testutil.ToFloat64(m.storeLookups.WithLabelValues("subject", ResultHit)), 0)
}
