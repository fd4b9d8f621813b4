package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quipucords/internal/models"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name        string
		from, to    models.Status
		wantChanged bool
		wantErr     bool
	}{
		{"created to pending", models.StatusCreated, models.StatusPending, true, false},
		{"pending to running", models.StatusPending, models.StatusRunning, true, false},
		{"running to completed", models.StatusRunning, models.StatusCompleted, true, false},
		{"running to paused", models.StatusRunning, models.StatusPaused, true, false},
		{"paused to pending", models.StatusPaused, models.StatusPending, true, false},
		{"repeated terminal write", models.StatusCompleted, models.StatusCompleted, false, false},
		{"running back to pending", models.StatusRunning, models.StatusPending, false, true},
		{"completed to failed", models.StatusCompleted, models.StatusFailed, false, true},
		{"canceled to running", models.StatusCanceled, models.StatusRunning, false, true},
		{"created to running", models.StatusCreated, models.StatusRunning, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := Check(tt.from, tt.to)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrIllegalTransition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantChanged, changed)
		})
	}
}

func TestReadyAndBlocked(t *testing.T) {
	statuses := map[int64]models.Status{
		1: models.StatusCompleted,
		2: models.StatusRunning,
		3: models.StatusFailed,
	}
	statusOf := func(id int64) models.Status { return statuses[id] }

	assert.True(t, Ready(&models.ScanTask{Prerequisites: []int64{1}}, statusOf))
	assert.False(t, Ready(&models.ScanTask{Prerequisites: []int64{1, 2}}, statusOf))
	assert.True(t, Ready(&models.ScanTask{}, statusOf))

	id, blocked := Blocked(&models.ScanTask{Prerequisites: []int64{1, 3}}, statusOf)
	assert.True(t, blocked)
	assert.Equal(t, int64(3), id)

	_, blocked = Blocked(&models.ScanTask{Prerequisites: []int64{1, 2}}, statusOf)
	assert.False(t, blocked)
}

func TestMergeCountersIsMonotonic(t *testing.T) {
	current := models.TaskCounters{SystemsCount: 10, SystemsScanned: 5, SystemsFailed: 2}
	got := MergeCounters(current, models.TaskCounters{SystemsCount: 10, SystemsScanned: 3, SystemsUnreachable: 1})
	assert.Equal(t, models.TaskCounters{SystemsCount: 10, SystemsScanned: 5, SystemsFailed: 2, SystemsUnreachable: 1}, got)
}

func TestJobOutcome(t *testing.T) {
	task := func(s models.Status) *models.ScanTask { return &models.ScanTask{Status: s} }

	status, _ := JobOutcome([]*models.ScanTask{task(models.StatusCompleted), task(models.StatusCompleted)})
	assert.Equal(t, models.StatusCompleted, status)

	status, msg := JobOutcome([]*models.ScanTask{task(models.StatusCompleted), task(models.StatusFailed)})
	assert.Equal(t, models.StatusFailed, status)
	assert.Contains(t, msg, "1 task")

	status, _ = JobOutcome([]*models.ScanTask{task(models.StatusFailed), task(models.StatusCanceled)})
	assert.Equal(t, models.StatusCanceled, status)

	status, _ = JobOutcome([]*models.ScanTask{task(models.StatusCompleted), task(models.StatusPaused)})
	assert.Equal(t, models.StatusPaused, status)
}
