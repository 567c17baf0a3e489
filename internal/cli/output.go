package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/naok1207/workflow-visualizer/pkg/service"
)

func listTasks(w io.Writer, page service.TaskPage) {
	if len(page.Tasks) == 0 {
		fmt.Fprintf(w, "No active tasks.\n")
		return
	}
	fmt.Fprintf(w, "Active tasks (%d of %d):\n", len(page.Tasks), page.Total)
	for _, t := range page.Tasks {
		fmt.Fprintf(w, "- ID: %s, Title: %s, Type: %s, Status: %s, Progress: %d%%, Created: %s\n",
			t.ID, t.Title, t.Type, t.Status, t.Progress, t.CreatedAt.Format(time.RFC3339))
	}
}

func printStatus(w io.Writer, task models.Task, wf models.Workflow) {
	fmt.Fprintf(w, "%s [%s] %d%%\n", task.Title, task.Status, task.Progress)
	fmt.Fprintf(w, "ID: %s, Type: %s\n", task.ID, task.Type)
	if wf.ID == "" {
		fmt.Fprintf(w, "No workflow.\n")
		return
	}
	fmt.Fprintf(w, "Workflow: %s (%s)\n", wf.Name, wf.Status)
	current := ""
	if wf.CurrentStepID != nil {
		current = *wf.CurrentStepID
	}
	for _, step := range wf.Steps {
		marker := " "
		if step.ID == current {
			marker = ">"
		}
		fmt.Fprintf(w, "%s %d. %-24s %s\n", marker, step.OrderIndex, step.Name, step.Status)
	}
}
