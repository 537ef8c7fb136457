package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/phasegate/internal/events"
)

// handleEvents streams a task's pipeline events via Server-Sent Events.
//
// Each NATS message on the task's subjects becomes one SSE event named by
// the event type. The stream ends after task_completed or task_failed, or
// when the client disconnects.
//
//	GET /api/v1/tasks/{id}/events
//
//	event: phase_transition
//	data: {"id":"...","type":"phase_transition","task_id":"t1","from":"plan","to":"design",...}
func (s *Server) handleEvents(c echo.Context) error {
	if s.stream == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "event streaming is not configured")
	}
	id := c.Param("id")

	// Subscribe before reading the status so a task finishing in between
	// still delivers its terminal event.
	msgs := make(chan *nats.Msg, 32)
	sub, err := s.stream.Conn().ChanSubscribe(s.stream.TaskWildcard(id), msgs)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()
	// Make sure the subscription is registered before reporting readiness.
	if err := s.stream.Conn().Flush(); err != nil {
		return err
	}
	t, err := s.pipeline.Status(c.Request().Context(), id)
	if err != nil {
		return err
	}

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	w := c.Response()
	fmt.Fprintf(w, "event: subscribed\ndata: {\"task_id\":%q,\"status\":%q}\n\n", t.ID, t.Status)
	w.Flush()
	if t.Status.Terminal() {
		return nil
	}

	ticker := time.NewTicker(s.config.SSEHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgs:
			typ := events.TypeFromSubject(msg.Subject)
			if typ == "" {
				continue
			}
			var e events.Event
			if err := json.Unmarshal(msg.Data, &e); err != nil || e.TaskID != id {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", typ)
			fmt.Fprintf(w, "data: %s\n\n", msg.Data)
			w.Flush()
			if typ.Terminal() {
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			w.Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}
