package internaldefs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authcore"
)

func TestEveryCounterExportedOnce(t *testing.T) {
	families := map[string]bool{}
	for _, f := range Families {
		families[f.Name] = true
	}

	seen := map[authcore.MetricID]bool{}
	outcomes := map[string]bool{}
	for _, def := range CounterDefs {
		require.False(t, seen[def.ID], "metric %d mapped twice", def.ID)
		seen[def.ID] = true
		require.True(t, families[def.Family], "unknown family %q", def.Family)
		key := def.Family + "/" + def.Outcome
		require.False(t, outcomes[key], "duplicate series %s", key)
		outcomes[key] = true
	}

	snap := authcore.NewMetrics(authcore.MetricsConfig{Enabled: true}).Snapshot()
	assert.Len(t, CounterDefs, len(snap.Counters))
	for id := range snap.Counters {
		assert.True(t, seen[id], "metric %d not exported", id)
	}
}

func TestByFamily(t *testing.T) {
	login := ByFamily("login")
	require.Len(t, login, 3)
	assert.Equal(t, "success", login[0].Outcome)
	assert.Empty(t, ByFamily("nope"))
}

func TestCumulativeBuckets(t *testing.T) {
	assert.Equal(t, [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}, CumulativeBuckets([]uint64{1, 2, 3}))
	assert.Equal(t, [8]uint64{}, CumulativeBuckets(nil))
	assert.Equal(t, [8]uint64{1, 2, 3, 4, 5, 6, 7, 8}, CumulativeBuckets([]uint64{1, 1, 1, 1, 1, 1, 1, 1, 9}))
}
