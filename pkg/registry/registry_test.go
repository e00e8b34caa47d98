package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqsentinel"
)

type fakeStore struct {
	saved []liqsentinel.Wallet
}

func (f *fakeStore) UpsertWallet(w liqsentinel.Wallet) error {
	f.saved = append(f.saved, w)
	return nil
}

func TestRegistry_UpsertNewWallet(t *testing.T) {
	store := &fakeStore{}
	r := New(store)

	val := 500_000.0
	err := r.Upsert("0xabc", liqsentinel.SourceCohort, "whale", &val)
	require.NoError(t, err)

	w, ok := r.Get("0xabc")
	require.True(t, ok)
	assert.Equal(t, "whale", w.Cohort)
	assert.True(t, w.HasSource(liqsentinel.SourceCohort))
	assert.Equal(t, liqsentinel.FrequencyNormal, w.Frequency)
	assert.Len(t, store.saved, 1)
}

func TestRegistry_UpsertMergeRule(t *testing.T) {
	r := New(nil)

	val := 500_000.0
	require.NoError(t, r.Upsert("0xabc", liqsentinel.SourceCohort, "whale", &val))
	first, _ := r.Get("0xabc")
	firstSeen := first.FirstSeen

	require.NoError(t, r.Upsert("0xabc", liqsentinel.SourceLiquidationHistory, "", nil))

	w, ok := r.Get("0xabc")
	require.True(t, ok)
	assert.Equal(t, firstSeen, w.FirstSeen, "earliest first_seen preserved")
	assert.True(t, w.HasSource(liqsentinel.SourceCohort))
	assert.True(t, w.HasSource(liqsentinel.SourceLiquidationHistory))
	assert.Equal(t, "whale", w.Cohort, "non-null cohort label preserved over a blank one")
}

func TestRegistry_MarkScannedRecomputesFrequency(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Upsert("0xabc", liqsentinel.SourceManual, "", nil))

	require.NoError(t, r.MarkScanned("0xabc", 70_000, 3))
	w, _ := r.Get("0xabc")
	assert.Equal(t, liqsentinel.FrequencyNormal, w.Frequency)
	assert.Equal(t, 1, w.ScanCount)

	require.NoError(t, r.MarkScanned("0xabc", 10_000, 0))
	w, _ = r.Get("0xabc")
	assert.Equal(t, liqsentinel.FrequencyInfrequent, w.Frequency)
	assert.Equal(t, 2, w.ScanCount)
}

func TestRegistry_IterDue(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Upsert("0xnever-scanned", liqsentinel.SourceManual, "", nil))

	v := 100_000.0
	require.NoError(t, r.Upsert("0xnormal", liqsentinel.SourceCohort, "", &v))
	require.NoError(t, r.MarkScanned("0xnormal", 100_000, 1))

	require.NoError(t, r.Upsert("0xinfrequent-recent", liqsentinel.SourceManual, "", nil))
	require.NoError(t, r.MarkScanned("0xinfrequent-recent", 1_000, 0))

	due := r.IterDue(time.Now())
	addrs := make(map[string]bool)
	for _, w := range due {
		addrs[w.Address] = true
	}

	assert.True(t, addrs["0xnever-scanned"])
	assert.True(t, addrs["0xnormal"], "normal frequency is due every cycle")
	assert.False(t, addrs["0xinfrequent-recent"], "infrequent and scanned recently is not due")
}

func TestRegistry_Size(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Upsert("0xa", liqsentinel.SourceManual, "", nil))
	require.NoError(t, r.Upsert("0xb", liqsentinel.SourceManual, "", nil))
	assert.Equal(t, 2, r.Size())
}
