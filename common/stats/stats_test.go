package stats

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeChange(t *testing.T) {
	stat := DefaultStatsReceiver().(*defaultStatsReceiver)
	if len(stat.scope) != 0 {
		t.Fatal("Default scope should be empty.")
	}

	statp := stat.Scope("a/b", "c").(*defaultStatsReceiver)
	if len(stat.scope) != 0 {
		t.Fatal("Default scope should still empty.")
	}
	if len(statp.scope) != 2 || statp.scope[0] != "a_SLASH_b" || statp.scope[1] != "c" {
		t.Fatal("Invalid scope value: ", statp.scope)
	}
	if statp.scopedName("d") != "a_SLASH_b/c/d" {
		t.Fatal("Invalid scope name: " + statp.scopedName("d"))
	}
}

func TestScopesDoNotShareBackingArrays(t *testing.T) {
	root := DefaultStatsReceiver().Scope("phases")
	a := root.Scope("refs").(*defaultStatsReceiver)
	b := root.Scope("objects").(*defaultStatsReceiver)
	assert.Equal(t, "phases/refs/x", a.scopedName("x"))
	assert.Equal(t, "phases/objects/x", b.scopedName("x"))
}

func TestRender(t *testing.T) {
	Time = NewTestTime(time.Unix(0, 0), 5*time.Millisecond)
	defer func() { Time = DefaultStatsTime() }()

	stat := DefaultStatsReceiver()
	stat.Scope("phases", "objects").Counter(PhaseFilesCounter).Inc(3)
	stat.Gauge(GCWaitExpiredGauge).Update(1)
	stat.Latency(RunLatency_ms).Time().Stop()

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(stat.Render(false), &data))
	assert.EqualValues(t, 3, data["phases/objects/filesCounter"])
	assert.EqualValues(t, 1, data[GCWaitExpiredGauge])
	assert.EqualValues(t, 1, data[RunLatency_ms+".count"])
	assert.EqualValues(t, 5, data[RunLatency_ms+".max"])
}

func TestNilStatsReceiver(t *testing.T) {
	stat := NilStatsReceiver().Scope("x")
	stat.Counter("c").Inc(1)
	stat.Latency("l").Time().Stop()
	assert.Empty(t, stat.Render(true))
}
