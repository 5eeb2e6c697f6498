package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/events"
)

// handleTaskEvents streams one task's events. The stream ends after an
// error event or the pipeline completion event.
func (s *Server) handleTaskEvents(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	task, err := s.pipeline.Task(ctx, id)
	if err != nil {
		return apiError(err)
	}
	sub, err := s.events.Subscribe(ctx, task.ID)
	if err != nil {
		return apiError(err)
	}
	return s.stream(c, sub, "task", true)
}

// handleOwnerEvents streams the events of every task of one owner until
// the client disconnects.
func (s *Server) handleOwnerEvents(c echo.Context) error {
	owner := c.Param("owner")
	if strings.TrimSpace(owner) == "" {
		return badRequest("owner is required")
	}
	sub, err := s.events.SubscribeOwner(c.Request().Context(), owner)
	if err != nil {
		return apiError(err)
	}
	return s.stream(c, sub, "owner", false)
}

func (s *Server) stream(c echo.Context, sub *events.Subscription, scope string, stopOnTerminal bool) error {
	defer sub.Close()
	ctx := c.Request().Context()
	defer s.metrics.streamOpened(ctx, scope)()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Debug(ctx, "event stream closed", zap.Error(err))
				return nil
			}
			w.Flush()
			s.metrics.eventStreamed(ctx, string(ev.Kind))
			if stopOnTerminal && ev.Terminal() {
				return nil
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

// writeEvent writes ev in text/event-stream framing: the per-task
// sequence number as id, the kind as event name and the JSON event as data.
func writeEvent(w *echo.Response, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s/%d\nevent: %s\ndata: %s\n\n", ev.TaskID, ev.Seq, ev.Kind, data)
	return err
}
