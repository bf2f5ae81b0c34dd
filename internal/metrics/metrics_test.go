package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation_CountsByOutcome(t *testing.T) {
	before := testutil.ToFloat64(OperationsTotal.WithLabelValues("save", "conflict"))

	ObserveOperation("save", "conflict", 20*time.Millisecond)
	ObserveOperation("save", "conflict", 30*time.Millisecond)

	after := testutil.ToFloat64(OperationsTotal.WithLabelValues("save", "conflict"))
	assert.InDelta(t, 2, after-before, 0.001)
}

func TestAddBytes(t *testing.T) {
	before := testutil.ToFloat64(BytesTransferredTotal.WithLabelValues("out"))

	AddBytes("out", 512)

	after := testutil.ToFloat64(BytesTransferredTotal.WithLabelValues("out"))
	assert.InDelta(t, 512, after-before, 0.001)
}

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()

	require.NotPanics(t, func() {
		Register(reg)
		Register(reg)
	})

	ObserveOperation("stat", "ok", time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}

	assert.Contains(t, names, "keeweb_blob_operations_total")
	assert.Contains(t, names, "keeweb_blob_operation_duration_seconds")
}
