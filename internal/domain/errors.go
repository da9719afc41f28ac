package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoPapers indicates a pipeline stage received an empty paper set it
	// cannot proceed without.
	ErrNoPapers = errors.New("no papers")

	// ErrRetriesExceeded indicates an LLM generation stage exhausted its
	// retry budget without producing parseable output.
	ErrRetriesExceeded = errors.New("retries exceeded")
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError provides details about a not found entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// ExternalAPIError provides details about an external API error.
type ExternalAPIError struct {
	Source     string
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Source, e.StatusCode, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *ExternalAPIError) Unwrap() error {
	return e.Cause
}

// NewExternalAPIError creates a new ExternalAPIError.
func NewExternalAPIError(source string, statusCode int, message string, cause error) *ExternalAPIError {
	return &ExternalAPIError{Source: source, StatusCode: statusCode, Message: message, Cause: cause}
}

// NoPapersToSnowballError is raised when the first snowball round has no seed
// papers and no fallback candidates. Later rounds terminate cleanly instead.
type NoPapersToSnowballError struct {
	Query string
}

// Error implements the error interface.
func (e *NoPapersToSnowballError) Error() string {
	if e.Query != "" {
		return fmt.Sprintf("no papers to snowball with for query %q", e.Query)
	}
	return "no papers to snowball with"
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NoPapersToSnowballError) Unwrap() error {
	return ErrNoPapers
}

// NoPapersToRankError is raised when the final ranking stage finds no papers
// with abstracts matching the query.
type NoPapersToRankError struct {
	Query string
}

// Error implements the error interface.
func (e *NoPapersToRankError) Error() string {
	return fmt.Sprintf("no papers to rank for query %q", e.Query)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NoPapersToRankError) Unwrap() error {
	return ErrNoPapers
}

// QueryGenerationExceededError is raised when query generation exhausts its
// retry budget without extracting a well-formed search query from the model.
type QueryGenerationExceededError struct {
	Model    string
	Attempts int
}

// Error implements the error interface.
func (e *QueryGenerationExceededError) Error() string {
	return fmt.Sprintf("exceeded %d query generation attempts using %q", e.Attempts, e.Model)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *QueryGenerationExceededError) Unwrap() error {
	return ErrRetriesExceeded
}

// RankingExceededError is raised when abstract ranking exhausts its retry
// budget without extracting a well-formed ranking from the model.
type RankingExceededError struct {
	Model    string
	Attempts int
}

// Error implements the error interface.
func (e *RankingExceededError) Error() string {
	return fmt.Sprintf("exceeded %d ranking attempts using %q", e.Attempts, e.Model)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *RankingExceededError) Unwrap() error {
	return ErrRetriesExceeded
}
