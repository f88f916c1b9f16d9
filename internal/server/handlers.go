package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/api/schemas"
)

// MaxConversationIDLength bounds conversation ids.
const MaxConversationIDLength = 40

const defaultMaxBodyBytes = 8 << 20

const (
	msgFieldRequired   = "This field is required."
	msgIDEmpty         = "Conversation ID can't be empty"
	msgHTMLEmpty       = "Html content cannot be empty."
	msgPromptEmpty     = "Prompt cannot be empty."
	msgPageChangeOK    = "Page change received successfully"
	msgUserPromptOK    = "User prompt received successfully"
	msgValidationError = "Invalid request."
)

// FieldErrors maps a request field to its validation messages.
type FieldErrors map[string][]string

func (f FieldErrors) add(field, msg string) { f[field] = append(f[field], msg) }

// Response is the envelope of every JSON reply.
type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Errors  FieldErrors `json:"errors,omitempty"`
}

// pageChangeBody and userPromptBody use pointers so a missing field can be
// told apart from an empty one.
type pageChangeBody struct {
	ConversationID *string `json:"conversation_id"`
	HTML           *string `json:"html"`
}

type userPromptBody struct {
	ConversationID *string `json:"conversation_id"`
	Prompt         *string `json:"prompt"`
}

func validateConversationID(errs FieldErrors, id *string) {
	switch {
	case id == nil:
		errs.add("conversation_id", msgFieldRequired)
	case strings.TrimSpace(*id) == "":
		errs.add("conversation_id", msgIDEmpty)
	case utf8.RuneCountInString(*id) > MaxConversationIDLength:
		errs.add("conversation_id", fmt.Sprintf("Ensure this field has no more than %d characters.", MaxConversationIDLength))
	}
}

func validateText(errs FieldErrors, field string, v *string, emptyMsg string) {
	switch {
	case v == nil:
		errs.add(field, msgFieldRequired)
	case strings.TrimSpace(*v) == "":
		errs.add(field, emptyMsg)
	}
}

// ValidatePageChange checks a page change submission.
func ValidatePageChange(req schemas.PageChangeRequest) FieldErrors {
	errs := FieldErrors{}
	validateConversationID(errs, &req.ConversationID)
	validateText(errs, "html", &req.HTML, msgHTMLEmpty)
	return errs
}

// ValidateUserPrompt checks a user prompt submission.
func ValidateUserPrompt(req schemas.UserPromptRequest) FieldErrors {
	errs := FieldErrors{}
	validateConversationID(errs, &req.ConversationID)
	validateText(errs, "prompt", &req.Prompt, msgPromptEmpty)
	return errs
}

// decodeBody reads a size-capped JSON body into v. On failure it writes the
// error response and returns false.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	limit := s.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondWithError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit), nil)
			return false
		}
		s.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err), nil)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err), nil)
		return false
	}
	return true
}

// handlePageChange accepts a page snapshot and queues its analysis.
func (s *Server) handlePageChange(w http.ResponseWriter, r *http.Request) {
	var body pageChangeBody
	if !s.decodeBody(w, r, &body) {
		return
	}

	errs := FieldErrors{}
	validateConversationID(errs, body.ConversationID)
	validateText(errs, "html", body.HTML, msgHTMLEmpty)
	if len(errs) > 0 {
		s.respondWithError(w, http.StatusBadRequest, msgValidationError, errs)
		return
	}

	session, err := s.registry.GetOrCreate(*body.ConversationID)
	if err != nil {
		s.respondWithError(w, http.StatusServiceUnavailable, err.Error(), nil)
		return
	}
	session.OnPageChange(*body.HTML)

	s.logger.Info("Page change received",
		zap.String("conversation_id", *body.ConversationID),
		zap.Int("html_bytes", len(*body.HTML)))
	s.respondWithSuccess(w, msgPageChangeOK)
}

// handleUserPrompt queues a prompt. The reply arrives over the websocket.
func (s *Server) handleUserPrompt(w http.ResponseWriter, r *http.Request) {
	var body userPromptBody
	if !s.decodeBody(w, r, &body) {
		return
	}

	errs := FieldErrors{}
	validateConversationID(errs, body.ConversationID)
	validateText(errs, "prompt", body.Prompt, msgPromptEmpty)
	if len(errs) > 0 {
		s.respondWithError(w, http.StatusBadRequest, msgValidationError, errs)
		return
	}

	session, err := s.registry.GetOrCreate(*body.ConversationID)
	if err != nil {
		s.respondWithError(w, http.StatusServiceUnavailable, err.Error(), nil)
		return
	}
	session.OnUserPrompt(*body.Prompt)

	s.logger.Info("User prompt received", zap.String("conversation_id", *body.ConversationID))
	s.respondWithSuccess(w, msgUserPromptOK)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string, errs FieldErrors) {
	s.respond(w, statusCode, Response{Status: "error", Error: message, Errors: errs})
}

func (s *Server) respondWithSuccess(w http.ResponseWriter, message string) {
	s.respond(w, http.StatusOK, Response{Status: "success", Message: message})
}

func (s *Server) respond(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
