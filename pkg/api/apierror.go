// Package api exposes the approval service over HTTP with RFC 7807
// (Problem Details) error responses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// Issues carries field-level validation issues when present.
	Issues []contracts.ValidationIssue `json:"issues,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://pactwise.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteUnprocessable writes a 422 error response.
func WriteUnprocessable(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnprocessableEntity, "Unprocessable Entity", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps the service's typed errors onto HTTP statuses:
//
//	ValidationError          400 (with field issues)
//	NotAuthorizedError       403
//	NotFoundError            404
//	NoMatchingPolicyError    404
//	AlreadyDecidedError      409
//	NotActionableError       409
//	UnresolvedApproverError  422
//
// Anything unrecognized is a 500.
func WriteDomainError(w http.ResponseWriter, err error) {
	var verr *contracts.ValidationError
	if errors.As(err, &verr) {
		writeProblem(w, &ProblemDetail{
			Type:   "https://pactwise.dev/errors/validation",
			Title:  "Bad Request",
			Status: http.StatusBadRequest,
			Detail: verr.Error(),
			Issues: verr.Issues,
		})
		return
	}
	var nauth *contracts.NotAuthorizedError
	if errors.As(err, &nauth) {
		WriteForbidden(w, nauth.Error())
		return
	}
	var nf *contracts.NotFoundError
	if errors.As(err, &nf) {
		WriteNotFound(w, nf.Error())
		return
	}
	var nmp *contracts.NoMatchingPolicyError
	if errors.As(err, &nmp) {
		WriteNotFound(w, nmp.Error())
		return
	}
	var decided *contracts.AlreadyDecidedError
	if errors.As(err, &decided) {
		WriteConflict(w, decided.Error())
		return
	}
	var notYet *contracts.NotActionableError
	if errors.As(err, &notYet) {
		WriteConflict(w, notYet.Error())
		return
	}
	var unresolved *contracts.UnresolvedApproverError
	if errors.As(err, &unresolved) {
		WriteUnprocessable(w, unresolved.Error())
		return
	}
	WriteInternal(w, err)
}
