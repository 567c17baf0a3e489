package service

import (
	"sort"

	"github.com/naok1207/workflow-visualizer/pkg/models"
)

// Helpers below take steps sorted by OrderIndex with indices 1..N and return
// copies of the steps whose index changes.

// insertionOrder returns the index a new step takes when placed after afterID,
// and whether afterID resolved. Unresolved or empty afterID appends.
func insertionOrder(steps []models.Step, afterID string) (int, bool) {
	if afterID != "" {
		for _, s := range steps {
			if s.ID == afterID {
				return s.OrderIndex + 1, true
			}
		}
	}
	last := 0
	for _, s := range steps {
		if s.OrderIndex > last {
			last = s.OrderIndex
		}
	}
	return last + 1, false
}

// shiftForInsert moves every step at or after order up by one, highest first.
func shiftForInsert(steps []models.Step, order int) []models.Step {
	var moved []models.Step
	for _, s := range steps {
		if s.OrderIndex >= order {
			s.OrderIndex++
			moved = append(moved, s)
		}
	}
	sort.Slice(moved, func(i, j int) bool { return moved[i].OrderIndex > moved[j].OrderIndex })
	return moved
}

// reorder moves stepID to newOrder, shifting the steps in between by one in
// the opposite direction. The moved step is last in the result.
func reorder(steps []models.Step, stepID string, newOrder int) []models.Step {
	var (
		target models.Step
		found  bool
	)
	for _, s := range steps {
		if s.ID == stepID {
			target, found = s, true
			break
		}
	}
	if !found || target.OrderIndex == newOrder {
		return nil
	}

	old := target.OrderIndex
	var moved []models.Step
	for _, s := range steps {
		if s.ID == stepID {
			continue
		}
		switch {
		case old < newOrder && s.OrderIndex > old && s.OrderIndex <= newOrder:
			s.OrderIndex--
			moved = append(moved, s)
		case old > newOrder && s.OrderIndex >= newOrder && s.OrderIndex < old:
			s.OrderIndex++
			moved = append(moved, s)
		}
	}
	target.OrderIndex = newOrder
	return append(moved, target)
}

// applyIndices returns steps with the changed indices applied, re-sorted.
func applyIndices(steps []models.Step, changed []models.Step) []models.Step {
	byID := make(map[string]models.Step, len(changed))
	for _, c := range changed {
		byID[c.ID] = c
	}
	out := make([]models.Step, len(steps))
	for i, s := range steps {
		if c, ok := byID[s.ID]; ok {
			s = c
		}
		out[i] = s
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}
