package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

type watchMessage struct {
	Type       string          `json:"type"`
	Channel    string          `json:"channel"`
	TaskID     string          `json:"task_id"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// watch prints relay deliveries from a running server until ctx is done or
// the server closes the connection.
func watch(ctx context.Context, url string, taskIDs []string, out io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return errors.Wrapf(err, "connect to %s", url)
	}
	defer conn.Close()

	for _, id := range taskIDs {
		if err := conn.WriteJSON(map[string]string{"type": "join_task", "task_id": id}); err != nil {
			return errors.Wrap(err, "join task")
		}
	}

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var msg watchMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.Wrap(err, "read")
		}
		printWatchMessage(out, msg)
	}
}

func printWatchMessage(w io.Writer, msg watchMessage) {
	switch msg.Type {
	case "joined", "left":
		fmt.Fprintf(w, "%s %s\n", msg.Type, msg.TaskID)
	case "error":
		fmt.Fprintf(w, "error: %s\n", msg.Message)
	default:
		fmt.Fprintf(w, "%s [%s] %s %s\n", msg.OccurredAt.Format(time.TimeOnly), msg.Channel, msg.Type, summarize(msg))
	}
}

func summarize(msg watchMessage) string {
	var payload struct {
		TaskID      string `json:"task_id"`
		Title       string `json:"title"`
		Progress    *int   `json:"progress_percentage"`
		Action      string `json:"action"`
		CurrentStep *struct {
			Name string `json:"name"`
		} `json:"current_step"`
	}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return string(msg.Data)
	}
	switch msg.Type {
	case "task_created":
		return fmt.Sprintf("%s %q", payload.TaskID, payload.Title)
	case "progress_updated":
		s := fmt.Sprintf("%s %d%%", payload.TaskID, deref(payload.Progress))
		if payload.CurrentStep != nil {
			s += " at " + payload.CurrentStep.Name
		}
		return s
	case "workflow_modified":
		return fmt.Sprintf("%s %s", payload.TaskID, payload.Action)
	}
	return string(msg.Data)
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
