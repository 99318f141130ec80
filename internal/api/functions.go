package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/pipetrigger/internal/engine"
	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/trigger"
)

// functionsReturn is the ReturnValue of a custom-handler response.
type functionsReturn struct {
	Status     string            `json:"status"`
	Invocation *model.Invocation `json:"invocation,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// handleFunctions serves a blob-triggered Functions invocation. It runs the
// whole invocation on the request, so the host's own timeout bounds it.
func (s *Server) handleFunctions(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "function") != s.opts.FunctionName {
		s.writeError(w, http.StatusNotFound, "unknown function")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	ev, err := trigger.ParseFunctions(body)
	if err != nil {
		webhookEventsTotal.WithLabelValues(model.SourceFunctions, outcomeRejected).Inc()
		s.writeFunctions(w, http.StatusBadRequest, []string{err.Error()},
			functionsReturn{Status: "rejected", Error: err.Error()})
		return
	}

	inv, err := s.engine.Handle(r.Context(), ev)
	switch {
	case errors.Is(err, engine.ErrNoDeployment):
		webhookEventsTotal.WithLabelValues(ev.Source, outcomeUnrouted).Inc()
		// Retrying cannot route the blob, so the host is told the call succeeded.
		s.writeFunctions(w, http.StatusOK, []string{err.Error()},
			functionsReturn{Status: "unrouted"})
	case err != nil:
		outcome := outcomeAccepted
		if inv == nil {
			outcome = outcomeRejected
		}
		webhookEventsTotal.WithLabelValues(ev.Source, outcome).Inc()
		logs := s.invocationLogs(r.Context(), inv)
		logs = append(logs, err.Error())
		s.writeFunctions(w, http.StatusInternalServerError, logs,
			functionsReturn{Status: model.StatusFailed, Invocation: inv, Error: err.Error()})
	default:
		outcome := outcomeAccepted
		if inv.Status == model.StatusSkipped {
			outcome = outcomeSkipped
		}
		webhookEventsTotal.WithLabelValues(ev.Source, outcome).Inc()
		s.writeFunctions(w, http.StatusOK, s.invocationLogs(r.Context(), inv),
			functionsReturn{Status: inv.Status, Invocation: inv})
	}
}

func (s *Server) writeFunctions(w http.ResponseWriter, status int, logs []string, ret functionsReturn) {
	if logs == nil {
		logs = []string{}
	}
	s.writeJSON(w, status, trigger.FunctionsResponse{
		Outputs:     map[string]any{},
		Logs:        logs,
		ReturnValue: ret,
	})
}

// invocationLogs returns the persisted progress lines of inv.
func (s *Server) invocationLogs(ctx context.Context, inv *model.Invocation) []string {
	if inv == nil {
		return nil
	}
	events, err := s.store.GetEventLines(context.WithoutCancel(ctx), inv.ID)
	if err != nil {
		s.logger.Warn("get event lines for functions response", "invocation_id", inv.ID, "error", err)
		return nil
	}
	logs := make([]string, len(events))
	for i, ev := range events {
		logs[i] = ev.Line
	}
	return logs
}
