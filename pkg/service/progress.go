package service

import (
	"math"

	"github.com/naok1207/workflow-visualizer/pkg/models"
)

// Progress returns round(100 * completed / total). Failed and skipped steps do
// not count as done; an empty workflow is at 0.
func Progress(steps []models.Step) int {
	if len(steps) == 0 {
		return 0
	}
	completed := 0
	for _, s := range steps {
		if s.Status == models.CompletedStepStatus {
			completed++
		}
	}
	return int(math.Round(100 * float64(completed) / float64(len(steps))))
}

// nextOpenStep picks the cursor after the step at index from completed: the
// first open step after it, else the first open step before it. It returns
// false when no step is pending or active.
func nextOpenStep(steps []models.Step, from int) (models.Step, bool) {
	for i := from + 1; i < len(steps); i++ {
		if steps[i].Status.Open() {
			return steps[i], true
		}
	}
	for i := 0; i < from && i < len(steps); i++ {
		if steps[i].Status.Open() {
			return steps[i], true
		}
	}
	return models.Step{}, false
}

func hasFailedStep(steps []models.Step) bool {
	for _, s := range steps {
		if s.Status == models.FailedStepStatus {
			return true
		}
	}
	return false
}
