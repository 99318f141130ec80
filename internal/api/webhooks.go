package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/seantiz/pipetrigger/internal/engine"
	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/trigger"
)

// acceptedEvent pairs a trigger event with the invocation recorded for it.
type acceptedEvent struct {
	EventID      string `json:"event_id,omitempty"`
	InvocationID string `json:"invocation_id"`
	Status       string `json:"status"`
}

// webhookResponse is the JSON response of the asynchronous webhook routes.
type webhookResponse struct {
	Accepted []acceptedEvent `json:"accepted"`
	Unrouted int             `json:"unrouted"`
	Ignored  int             `json:"ignored,omitempty"`
}

type validationResponse struct {
	ValidationResponse string `json:"validationResponse"`
}

func (s *Server) handleEventGrid(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	d, err := trigger.ParseEventGrid(body)
	if err != nil {
		webhookEventsTotal.WithLabelValues(model.SourceEventGrid, outcomeRejected).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d.ValidationCode != "" {
		s.logger.Info("event grid subscription validated")
		s.writeJSON(w, http.StatusOK, validationResponse{ValidationResponse: d.ValidationCode})
		return
	}

	resp, err := s.submitAll(r.Context(), d.Events)
	if err != nil {
		s.logger.Error("submit event grid events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit events")
		return
	}
	resp.Ignored = d.Ignored
	s.writeJSON(w, http.StatusAccepted, resp)
}

// handleEventGridOptions answers the CloudEvents webhook abuse-protection
// handshake.
func (s *Server) handleEventGridOptions(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("WebHook-Request-Origin"); origin != "" {
		w.Header().Set("WebHook-Allowed-Origin", origin)
		w.Header().Set("WebHook-Allowed-Rate", "*")
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMinIO(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	events, err := trigger.ParseMinIO(body)
	if err != nil {
		webhookEventsTotal.WithLabelValues(model.SourceMinIO, outcomeRejected).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.submitAll(r.Context(), events)
	if err != nil {
		s.logger.Error("submit minio events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit events")
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

// submitAll submits each event for asynchronous handling. Events no
// deployment matches are counted rather than failing the delivery.
func (s *Server) submitAll(ctx context.Context, events []model.BlobEvent) (webhookResponse, error) {
	resp := webhookResponse{Accepted: []acceptedEvent{}}
	for _, ev := range events {
		inv, err := s.engine.Submit(ctx, ev)
		if errors.Is(err, engine.ErrNoDeployment) {
			webhookEventsTotal.WithLabelValues(ev.Source, outcomeUnrouted).Inc()
			resp.Unrouted++
			continue
		}
		if err != nil {
			webhookEventsTotal.WithLabelValues(ev.Source, outcomeRejected).Inc()
			return webhookResponse{}, err
		}
		outcome := outcomeAccepted
		if inv.Status == model.StatusSkipped {
			outcome = outcomeSkipped
		}
		webhookEventsTotal.WithLabelValues(ev.Source, outcome).Inc()
		resp.Accepted = append(resp.Accepted, acceptedEvent{
			EventID:      ev.ID,
			InvocationID: inv.ID,
			Status:       inv.Status,
		})
	}
	return resp, nil
}
