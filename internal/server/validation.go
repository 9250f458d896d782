package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tandem/pkg/models"

	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 64 << 10

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// respondWithValidationError sends a structured validation error response
func (s *Server) respondWithValidationError(w http.ResponseWriter, r *http.Request, errors []ValidationError) {
	s.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errors,
	}).Warn("Validation failed")

	s.respondJSON(w, http.StatusBadRequest, ValidationResult{
		Valid:  false,
		Errors: errors,
	})
}

// respondWithError sends a structured error response
func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	logEntry := s.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})

	if err != nil {
		logEntry = logEntry.WithError(err)
	}

	if statusCode >= 500 {
		logEntry.Error("Server error")
	} else {
		logEntry.Debug("Client error")
	}

	response := map[string]interface{}{
		"error":   message,
		"code":    statusCode,
		"success": false,
	}
	if err != nil {
		response["kind"] = models.KindOf(err)
	}

	s.respondJSON(w, statusCode, response)
}

// respondWithCommandError maps a classified error to its HTTP status
func (s *Server) respondWithCommandError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForKind(models.KindOf(err))
	message := err.Error()
	var classified *models.Error
	if errors.As(err, &classified) && classified.Message != "" {
		message = classified.Message
	}
	if status >= 500 {
		message = "Internal server error"
	}
	s.respondWithError(w, r, status, message, err)
}

// statusForKind returns the HTTP status for an error kind
func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.KindUnauthorized:
		return http.StatusForbidden
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindAlreadyDecided:
		return http.StatusConflict
	case models.KindConstraintViolation:
		return http.StatusUnprocessableEntity
	case models.KindMalformedCommand:
		return http.StatusBadRequest
	case models.KindTransportFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON writes v as a JSON body
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// decodeJSON decodes a bounded request body. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return models.Errorf(models.KindMalformedCommand, "invalid JSON body: %v", err)
	}
	return nil
}

// validateParticipantName validates a host or guest display name
func validateParticipantName(field, name string) *ValidationError {
	if name == "" {
		return &ValidationError{
			Field:   field,
			Message: "Name is required",
			Code:    "MISSING_NAME",
		}
	}

	if len(name) > 64 {
		return &ValidationError{
			Field:   field,
			Message: "Name too long (max 64 characters)",
			Code:    "NAME_TOO_LONG",
		}
	}

	if strings.ContainsAny(name, "\x00\n\r") {
		return &ValidationError{
			Field:   field,
			Message: "Name contains invalid characters",
			Code:    "INVALID_NAME_CHARACTERS",
		}
	}

	return nil
}

// validateMaxDuration validates the optional per-session media limit
func validateMaxDuration(value *int64) *ValidationError {
	if value == nil {
		return nil
	}
	if *value <= 0 {
		return &ValidationError{
			Field:   "max_media_duration_ms",
			Message: fmt.Sprintf("Maximum media duration must be positive, got %d", *value),
			Code:    "INVALID_MAX_DURATION",
		}
	}
	return nil
}

// validateInviteCode validates a six character hex invite code
func validateInviteCode(code string) *ValidationError {
	if len(code) != 6 {
		return &ValidationError{
			Field:   "code",
			Message: "Invite code must be 6 characters",
			Code:    "INVALID_CODE_LENGTH",
		}
	}
	for _, c := range code {
		if !strings.ContainsRune("0123456789ABCDEFabcdef", c) {
			return &ValidationError{
				Field:   "code",
				Message: "Invite code must be hexadecimal",
				Code:    "INVALID_CODE_FORMAT",
			}
		}
	}
	return nil
}

// sanitizeInput removes null bytes and surrounding whitespace
func sanitizeInput(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
