package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/athanor-ai/athanor"
)

// chatRequest is the POST /v1/chat body.
type chatRequest struct {
	ConversationID string                 `json:"conversation_id,omitempty"`
	AgentID        string                 `json:"agent_id"`
	Text           string                 `json:"text"`
	Attachments    []attachmentDescriptor `json:"attachments,omitempty"`
	Model          string                 `json:"model,omitempty"`
	ToolsEnabled   bool                   `json:"tools_enabled,omitempty"`
	Provider       string                 `json:"provider,omitempty"`
}

// attachmentDescriptor is one inline image accompanying the text: a media
// type plus base64-encoded payload.
type attachmentDescriptor struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// decodeAttachments converts wire descriptors to image blocks.
func decodeAttachments(descs []attachmentDescriptor) ([]athanor.Block, error) {
	if len(descs) == 0 {
		return nil, nil
	}
	blocks := make([]athanor.Block, 0, len(descs))
	for i, d := range descs {
		if !strings.HasPrefix(d.MediaType, "image/") {
			return nil, athanor.E(athanor.KindValidationError,
				"attachment %d: unsupported media type %q", i, d.MediaType)
		}
		data, err := base64.StdEncoding.DecodeString(d.Data)
		if err != nil {
			return nil, athanor.E(athanor.KindValidationError, "attachment %d: invalid base64 payload", i)
		}
		if len(data) == 0 {
			return nil, athanor.E(athanor.KindValidationError, "attachment %d: empty payload", i)
		}
		blocks = append(blocks, athanor.ImageBlock(d.MediaType, data))
	}
	return blocks, nil
}

// handleChat runs one chat request and streams its events as SSE. Pre-flight
// denials answer with a plain status code; once the first event arrives the
// response commits to the event stream and later failures are framed
// in-stream.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, athanor.E(athanor.KindValidationError, "invalid request body: %v", err))
		return
	}
	if req.Text == "" {
		s.writeError(w, athanor.E(athanor.KindValidationError, "text must not be empty"))
		return
	}
	if req.AgentID == "" {
		req.AgentID = "assistant"
	}
	attachments, err := decodeAttachments(req.Attachments)
	if err != nil {
		s.writeError(w, err)
		return
	}

	task := athanor.ChatTask{
		User:           user,
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		Text:           req.Text,
		Attachments:    attachments,
		Model:          req.Model,
		ToolsEnabled:   req.ToolsEnabled,
		Provider:       req.Provider,
	}

	sub := athanor.NewSubscription()
	s.trackSub(user.ID, sub)
	defer s.untrackSub(user.ID, sub)

	type runResult struct {
		res athanor.ChatResult
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := s.orch.Run(r.Context(), task, sub)
		done <- runResult{res, err}
	}()

	select {
	case out := <-done:
		// The request finished before anything streamed. Buffered events,
		// if any, still go out as SSE; a bare pre-flight error answers
		// with its status code.
		select {
		case ev, open := <-sub.Events():
			if open {
				s.streamFrom(w, r, ev, sub)
				return
			}
		default:
		}
		if out.err != nil {
			s.writeError(w, out.err)
			return
		}
		w.WriteHeader(http.StatusOK)
	case ev, open := <-sub.Events():
		if !open {
			if out := <-done; out.err != nil {
				s.writeError(w, out.err)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		s.streamFrom(w, r, ev, sub)
		if out := <-done; out.err != nil {
			s.logger.Warn("chat request failed mid-stream",
				"user", user.ID, "kind", athanor.KindOf(out.err), "error", out.err)
		}
	}
}

// streamFrom commits the response to SSE, writes the already-received first
// event, and drains the subscription.
func (s *Server) streamFrom(w http.ResponseWriter, r *http.Request, first athanor.StreamEvent, sub *athanor.Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, athanor.E(athanor.KindInternal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if err := athanor.WriteSSEEvent(w, flusher, first); err != nil {
		return
	}
	_ = athanor.ServeSSE(r.Context(), w, sub)
}

// approvalRequest is the POST /v1/approvals/{callID} body.
type approvalRequest struct {
	Approved bool `json:"approved"`
}

// handleApproval records the client's verdict for a pending tool approval.
// Unknown call ids are accepted and ignored, matching the subscription
// contract.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	callID := chi.URLParam(r, "callID")
	if callID == "" {
		s.writeError(w, athanor.E(athanor.KindValidationError, "missing call id"))
		return
	}
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, athanor.E(athanor.KindValidationError, "invalid request body: %v", err))
		return
	}
	s.resolveApproval(user.ID, callID, req.Approved)
	w.WriteHeader(http.StatusNoContent)
}
