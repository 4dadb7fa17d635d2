package stats

import (
	"bytes"
	"errors"
	"testing"

	"fleetcmd/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestObserveAndPolls(t *testing.T) {
	var buf bytes.Buffer
	st := NewStatsTracker(&buf, true)

	st.RecordPoll(nil)
	st.RecordPoll(errors.New("boom"))
	st.Observe(model.Snapshot{
		Targets: []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"},
		Job: model.Job{
			Statuses: map[string]string{"10.0.0.1": "completed", "10.0.0.2": "failed"},
			Results: map[string]model.Result{
				"10.0.0.1": {Stdout: "hello"},
				"10.0.0.2": {Stderr: "bad"},
			},
		},
	})

	s := st.GetStatistics()
	assert.Equal(t, 3, s.TotalHosts)
	assert.Equal(t, 1, s.CompletedHosts)
	assert.Equal(t, 1, s.FailedHosts)
	assert.Equal(t, 1, s.ActiveHosts)
	assert.Equal(t, 2, s.Polls)
	assert.Equal(t, 1, s.PollErrors)
	assert.EqualValues(t, 8, s.OutputBytes)

	st.Stop()
	out := buf.String()
	assert.Contains(t, out, "Total Hosts: 3")
	assert.Contains(t, out, "Unsettled: 1")
	assert.Contains(t, out, "Polls: 2 (1 errors)")
}

func TestStopDisabled(t *testing.T) {
	var buf bytes.Buffer
	NewStatsTracker(&buf, false).Stop()
	assert.Empty(t, buf.String())
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "1.0 GB", FormatBytes(1<<30))
}
