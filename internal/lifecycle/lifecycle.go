// Package lifecycle defines the state machine shared by scan jobs and scan tasks.
package lifecycle

import (
	"errors"
	"fmt"

	"quipucords/internal/models"
)

// ErrIllegalTransition is returned for edges the state machine does not allow
var ErrIllegalTransition = errors.New("illegal status transition")

var edges = map[models.Status][]models.Status{
	models.StatusCreated: {models.StatusPending, models.StatusFailed, models.StatusCanceled},
	models.StatusPending: {models.StatusRunning, models.StatusFailed, models.StatusCanceled, models.StatusPaused},
	models.StatusRunning: {models.StatusCompleted, models.StatusFailed, models.StatusCanceled, models.StatusPaused},
	models.StatusPaused:  {models.StatusPending, models.StatusCanceled},
}

// IsTerminal reports whether no further work happens in status s.
// Paused is not terminal: it can go back to pending.
func IsTerminal(s models.Status) bool {
	switch s {
	case models.StatusCompleted, models.StatusFailed, models.StatusCanceled:
		return true
	}
	return false
}

// IsSettled reports whether s is terminal or paused, i.e. nothing is running
func IsSettled(s models.Status) bool {
	return IsTerminal(s) || s == models.StatusPaused
}

// Check validates the edge from -> to.
// Repeating the current status is a no-op and returns changed=false.
func Check(from, to models.Status) (changed bool, err error) {
	if from == to {
		return false, nil
	}
	for _, allowed := range edges[from] {
		if allowed == to {
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Ready reports whether every prerequisite of a task is completed.
// statusOf returns the current status of a task id.
func Ready(task *models.ScanTask, statusOf func(int64) models.Status) bool {
	for _, id := range task.Prerequisites {
		if statusOf(id) != models.StatusCompleted {
			return false
		}
	}
	return true
}

// Blocked reports whether a prerequisite ended in a state that can never become completed.
// It returns the id of the first blocking prerequisite.
func Blocked(task *models.ScanTask, statusOf func(int64) models.Status) (int64, bool) {
	for _, id := range task.Prerequisites {
		s := statusOf(id)
		if IsTerminal(s) && s != models.StatusCompleted {
			return id, true
		}
	}
	return 0, false
}

// MergeCounters applies monotonic counter semantics: each counter only grows
func MergeCounters(current, update models.TaskCounters) models.TaskCounters {
	return models.TaskCounters{
		SystemsCount:       max(current.SystemsCount, update.SystemsCount),
		SystemsScanned:     max(current.SystemsScanned, update.SystemsScanned),
		SystemsFailed:      max(current.SystemsFailed, update.SystemsFailed),
		SystemsUnreachable: max(current.SystemsUnreachable, update.SystemsUnreachable),
	}
}

// JobOutcome derives the final job status from its task statuses
func JobOutcome(tasks []*models.ScanTask) (models.Status, string) {
	var failed, canceled, paused int
	for _, t := range tasks {
		switch t.Status {
		case models.StatusFailed:
			failed++
		case models.StatusCanceled:
			canceled++
		case models.StatusPaused:
			paused++
		}
	}
	switch {
	case canceled > 0:
		return models.StatusCanceled, "job canceled"
	case paused > 0:
		return models.StatusPaused, "job paused"
	case failed > 0:
		return models.StatusFailed, fmt.Sprintf("%d task(s) did not complete", failed)
	}
	return models.StatusCompleted, "job completed"
}
