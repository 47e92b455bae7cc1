package metrics

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/audit"
)

func TestRecorderCountsAndForwards(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	sink := audit.NewMemoryRecorder()
	rec := NewRecorder(sink, m)

	rec.Record(audit.Entry{Kind: audit.KindTransition, EntityID: "agent-1", ToState: "healthy", Status: "APPLIED"})
	rec.Record(audit.Entry{Kind: audit.KindTransition, EntityID: "agent-1", ToState: "degraded", Status: "APPLIED"})
	rec.Record(audit.Entry{Kind: audit.KindSLABreach, EntityID: "run-1", Status: "APPLIED"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("healthy", "APPLIED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("degraded", "APPLIED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SLABreachesTotal))

	// Запись не теряется, а уходит дальше по цепочке
	assert.Len(t, sink.Entries(), 3)
}

func TestSnapshotBuildsAgentEvidence(t *testing.T) {
	rec := NewRecorder(audit.NopRecorder{}, New(nil))

	rec.Record(audit.Entry{Kind: audit.KindTransition, EntityID: "agent-1", ToState: "healthy", Status: "APPLIED"})
	rec.Record(audit.Entry{Kind: audit.KindTransition, EntityID: "agent-1", ToState: "degraded", Status: "APPLIED", Error: "probe timeout"})

	raw := rec.Snapshot("agent-1")
	require.NotNil(t, raw)

	var tally agentTally
	require.NoError(t, json.Unmarshal(raw, &tally))
	assert.Equal(t, 2, tally.Transitions)
	assert.Equal(t, 1, tally.Failures)
	assert.Equal(t, "degraded", tally.LastState)

	assert.Nil(t, rec.Snapshot("unknown"), "no activity -> no evidence")
}
