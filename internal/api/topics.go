package api

import (
	"errors"
	"net/http"

	"github.com/askdb/askdb/internal/export"
	"github.com/askdb/askdb/internal/session"
)

type submitRequest struct {
	Text string `json:"text"`
}

type turnsResponse struct {
	Topic     string        `json:"topic"`
	SessionID string        `json:"session_id"`
	State     session.State `json:"state"`
	Turns     any           `json:"turns"`
}

type resultResponse struct {
	Topic   string              `json:"topic"`
	Result  session.QueryResult `json:"result"`
	Records []map[string]any    `json:"records,omitempty"`
}

func sessionsOrError(deps Dependencies, w http.ResponseWriter, r *http.Request) (SessionService, bool) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session manager is not configured", false, nil)
		return nil, false
	}
	return deps.Sessions, true
}

func handleListTopics(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessions, ok := sessionsOrError(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": sessions.Topics()})
}

func handlePutTopic(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessions, ok := sessionsOrError(deps, w, r)
	if !ok {
		return
	}
	snapshot, err := sessions.Session(r.PathValue("topic"))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func handleDeleteTopic(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessions, ok := sessionsOrError(deps, w, r)
	if !ok {
		return
	}
	topic := r.PathValue("topic")
	if !sessions.RemoveTopic(topic) {
		writeError(r.Context(), w, http.StatusNotFound, "TOPIC_NOT_FOUND", "topic not found", false, map[string]any{"topic": topic})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleSubmit(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessions, ok := sessionsOrError(deps, w, r)
	if !ok {
		return
	}
	var request submitRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid submit request body", false, map[string]any{"details": err.Error()})
		return
	}

	topic := r.PathValue("topic")
	outcome, err := sessions.Submit(r.Context(), topic, request.Text)
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), false, nil)
		return
	case errors.Is(err, session.ErrGeneration):
		extra, retryable := generationErrorContext(err)
		extra["topic"] = topic
		writeError(r.Context(), w, http.StatusBadGateway, "GENERATION_FAILED", "the language model did not produce a statement", retryable, extra)
		return
	case err != nil:
		writeError(r.Context(), w, http.StatusInternalServerError, "SUBMIT_FAILED", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func handleTurns(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessions, ok := sessionsOrError(deps, w, r)
	if !ok {
		return
	}
	topic := r.PathValue("topic")
	snapshot, found := sessions.Lookup(topic)
	if !found {
		writeError(r.Context(), w, http.StatusNotFound, "TOPIC_NOT_FOUND", "topic not found", false, map[string]any{"topic": topic})
		return
	}
	writeJSON(w, http.StatusOK, turnsResponse{
		Topic:     snapshot.Topic,
		SessionID: snapshot.ID,
		State:     snapshot.State,
		Turns:     snapshot.Turns,
	})
}

func handleResult(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessions, ok := sessionsOrError(deps, w, r)
	if !ok {
		return
	}
	topic := r.PathValue("topic")
	result, found := sessions.CurrentResult(topic)
	if !found {
		writeError(r.Context(), w, http.StatusNotFound, "RESULT_NOT_FOUND", "no result for topic", false, map[string]any{"topic": topic})
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Topic: topic, Result: result, Records: result.Records()})
}

func handleExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessions, ok := sessionsOrError(deps, w, r)
	if !ok {
		return
	}
	if deps.Exporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "object store is not configured", false, nil)
		return
	}
	topic := r.PathValue("topic")
	result, found := sessions.CurrentResult(topic)
	if !found {
		writeError(r.Context(), w, http.StatusNotFound, "RESULT_NOT_FOUND", "no result for topic", false, map[string]any{"topic": topic})
		return
	}
	archived, err := deps.Exporter.Export(r.Context(), topic, result)
	switch {
	case errors.Is(err, export.ErrNothingToExport):
		writeError(r.Context(), w, http.StatusConflict, "RESULT_NOT_EXPORTABLE", err.Error(), false, map[string]any{"topic": topic})
		return
	case err != nil:
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", "failed to archive result", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, archived)
}
