package stagelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipelineStages(t *testing.T) *StageSet {
	t.Helper()
	stages, err := NewStageSet([]string{"queued", "phase1", "phase2", "phase3", "phase4", "done"})
	require.NoError(t, err)
	return stages
}

func TestNewStageSet(t *testing.T) {
	t.Run("accepts ordered stage list", func(t *testing.T) {
		stages, err := NewStageSet([]string{"queued", "work", "done"})
		require.NoError(t, err)
		assert.Equal(t, "queued", stages.QueuedStage())
		assert.Equal(t, "done", stages.TerminalStage())
		assert.True(t, stages.Contains("work"))
		assert.False(t, stages.Contains("missing"))
	})

	t.Run("rejects fewer than two stages", func(t *testing.T) {
		_, err := NewStageSet([]string{"only"})
		assert.Error(t, err)
	})

	t.Run("rejects duplicate stage names", func(t *testing.T) {
		_, err := NewStageSet([]string{"queued", "work", "work", "done"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("rejects empty stage names", func(t *testing.T) {
		_, err := NewStageSet([]string{"queued", "", "done"})
		assert.Error(t, err)
	})

	t.Run("default stages are valid", func(t *testing.T) {
		_, err := NewStageSet(DefaultStages())
		require.NoError(t, err)
	})
}

func TestSeqDerivation(t *testing.T) {
	stages := pipelineStages(t)

	t.Run("started precedes completed within a stage", func(t *testing.T) {
		started, err := stages.Seq("phase1", StatusStarted)
		require.NoError(t, err)
		completed, err := stages.Seq("phase1", StatusCompleted)
		require.NoError(t, err)

		assert.Equal(t, int64(10), started)
		assert.Equal(t, int64(11), completed)
	})

	t.Run("stages are strictly increasing across the pipeline", func(t *testing.T) {
		var prev int64 = -1
		for _, stage := range stages.Stages() {
			started, err := stages.Seq(stage, StatusStarted)
			require.NoError(t, err)
			completed, err := stages.Seq(stage, StatusCompleted)
			require.NoError(t, err)

			assert.Greater(t, started, prev)
			assert.Greater(t, completed, started)
			prev = completed
		}
	})

	t.Run("failed takes the completed slot", func(t *testing.T) {
		failed, err := stages.Seq("phase2", StatusFailed)
		require.NoError(t, err)
		completed, err := stages.Seq("phase2", StatusCompleted)
		require.NoError(t, err)
		assert.Equal(t, completed, failed)
	})

	t.Run("queued starts at zero", func(t *testing.T) {
		seq, err := stages.Seq("queued", StatusStarted)
		require.NoError(t, err)
		assert.Equal(t, int64(0), seq)
	})

	t.Run("unknown stage is rejected", func(t *testing.T) {
		_, err := stages.Seq("not-a-stage", StatusStarted)
		assert.Error(t, err)
	})
}

func TestTerminal(t *testing.T) {
	stages := pipelineStages(t)

	assert.True(t, stages.Terminal(&StageEvent{Stage: "done", Status: StatusCompleted}))
	assert.True(t, stages.Terminal(&StageEvent{Stage: "done", Status: StatusStarted}))
	assert.True(t, stages.Terminal(&StageEvent{Stage: "phase2", Status: StatusFailed}))
	assert.False(t, stages.Terminal(&StageEvent{Stage: "phase2", Status: StatusCompleted}))
	assert.False(t, stages.Terminal(&StageEvent{Stage: "queued", Status: StatusStarted}))
}

func TestCoarse(t *testing.T) {
	stages := pipelineStages(t)

	tests := []struct {
		name  string
		event StageEvent
		want  CoarseStatus
	}{
		{"queued waiting", StageEvent{Stage: "queued", Status: StatusStarted}, CoarseQueued},
		{"queued completed is running", StageEvent{Stage: "queued", Status: StatusCompleted}, CoarseRunning},
		{"mid pipeline", StageEvent{Stage: "phase2", Status: StatusStarted}, CoarseRunning},
		{"terminal stage", StageEvent{Stage: "done", Status: StatusCompleted}, CoarseCompleted},
		{"failure anywhere", StageEvent{Stage: "phase1", Status: StatusFailed}, CoarseFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stages.Coarse(&tt.event))
		})
	}
}

func TestStageEventValidate(t *testing.T) {
	valid := StageEvent{
		JobID:  "job-123",
		Stage:  "phase1",
		Status: StatusStarted,
		Seq:    10,
	}

	t.Run("accepts valid event", func(t *testing.T) {
		assert.NoError(t, valid.Validate())
	})

	t.Run("rejects missing job_id", func(t *testing.T) {
		e := valid
		e.JobID = ""
		assert.Error(t, e.Validate())
	})

	t.Run("rejects missing stage", func(t *testing.T) {
		e := valid
		e.Stage = ""
		assert.Error(t, e.Validate())
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		e := valid
		e.Status = "paused"
		assert.Error(t, e.Validate())
	})

	t.Run("rejects negative seq", func(t *testing.T) {
		e := valid
		e.Seq = -1
		assert.Error(t, e.Validate())
	})

	t.Run("rejects out-of-range progress", func(t *testing.T) {
		e := valid
		e.Progress = 101
		assert.Error(t, e.Validate())
	})
}
