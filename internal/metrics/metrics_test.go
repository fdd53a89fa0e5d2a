package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSettledKindLabels(t *testing.T) {
	before := testutil.ToFloat64(PaymentsSettled.WithLabelValues("monthly"))
	PaymentsSettled.WithLabelValues(SettledKind(true)).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(PaymentsSettled.WithLabelValues("monthly")))
	assert.Equal(t, "once", SettledKind(false))
}
