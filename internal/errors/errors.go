// Package errors provides categorized errors with attached context.
//
// It is a drop-in replacement for the standard errors package: Is, As,
// Unwrap and Join pass through, and New starts a builder that records the
// component, category and key/value context of a failure.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrorCategory groups errors by what went wrong rather than where.
type ErrorCategory string

// CategorizedError is implemented by errors that know their own category.
type CategorizedError interface {
	error
	ErrorCategory() ErrorCategory
}

const (
	CategoryMissingData      ErrorCategory = "missing-data"
	CategoryMalformedMapping ErrorCategory = "malformed-mapping"
	CategoryCheckpointLoad   ErrorCategory = "checkpoint-load"
	CategoryCheckpointSave   ErrorCategory = "checkpoint-save"
	CategoryDecode           ErrorCategory = "decode"
	CategoryValidation       ErrorCategory = "validation"
	CategoryFileIO           ErrorCategory = "file-io"
	CategoryConfiguration    ErrorCategory = "configuration"
	CategoryCanceled         ErrorCategory = "cancellation"
	CategoryModelInit        ErrorCategory = "model-initialization"
	CategoryTraining         ErrorCategory = "training"
	CategoryGeneric          ErrorCategory = "generic"
)

// ComponentUnknown is used when no component was given.
const ComponentUnknown = "unknown"

// EnhancedError wraps an error with additional context and metadata
type EnhancedError struct {
	Err       error          // Original error
	component string         // Component where error occurred
	Category  ErrorCategory  // Error category for better grouping
	Context   map[string]any // Additional context data
	Timestamp time.Time      // When the error occurred
	mu        sync.RWMutex
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches another EnhancedError by category, and anything else through
// the wrapped error.
func (ee *EnhancedError) Is(target error) bool {
	if ee2, ok := target.(*EnhancedError); ok {
		return ee.Category == ee2.Category
	}
	return Is(ee.Err, target)
}

// ErrorCategory implements CategorizedError.
func (ee *EnhancedError) ErrorCategory() ErrorCategory {
	return ee.Category
}

// GetComponent returns the component name
func (ee *EnhancedError) GetComponent() string {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	return ee.component
}

// GetCategory returns the error category as a string
func (ee *EnhancedError) GetCategory() string {
	return string(ee.Category)
}

// GetContext returns a copy of the context data
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	if ee.Context == nil {
		return nil
	}
	return maps.Clone(ee.Context)
}

// Detail renders the error together with its category and sorted context,
// for log lines and CLI output.
func (ee *EnhancedError) Detail() string {
	ctx := ee.GetContext()
	var b strings.Builder
	fmt.Fprintf(&b, "[%s/%s] %s", ee.GetComponent(), ee.Category, ee.Err)
	if len(ctx) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ctx[k])
	}
	return b.String()
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New creates a new error with enhanced context
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf creates a new formatted error with enhanced context
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category for better grouping
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds context data to the error
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// FileContext records the path involved in a file operation.
func (eb *ErrorBuilder) FileContext(path string) *ErrorBuilder {
	return eb.Context("path", path)
}

// Timing records how long an operation ran before failing.
func (eb *ErrorBuilder) Timing(operation string, duration time.Duration) *ErrorBuilder {
	eb.Context("operation", operation)
	return eb.Context("duration_ms", duration.Milliseconds())
}

// Build creates the EnhancedError
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		component: eb.component,
		Category:  eb.category,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
	if ee.component == "" {
		ee.component = ComponentUnknown
	}
	if ee.Category == "" {
		ee.Category = detectCategory(eb.err)
	}
	return ee
}

// detectCategory inherits the category of a wrapped error, if any.
func detectCategory(err error) ErrorCategory {
	var ce CategorizedError
	if As(err, &ce) {
		return ce.ErrorCategory()
	}
	return CategoryGeneric
}

// Wrap wraps an existing error with enhanced context
func Wrap(err error) *ErrorBuilder {
	return New(err)
}

// FileError creates a file I/O error with the path attached
func FileError(err error, path string) *EnhancedError {
	return New(err).
		Category(CategoryFileIO).
		FileContext(path).
		Build()
}

// ValidationError creates a validation error
func ValidationError(message string) *EnhancedError {
	return New(NewStd(message)).
		Category(CategoryValidation).
		Build()
}

// NewStd creates a new standard error (passthrough to standard library)
func NewStd(text string) error {
	return stderrors.New(text)
}

// Is reports whether any error in err's tree matches target (passthrough to standard library)
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target (passthrough to standard library)
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err (passthrough to standard library)
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Join returns an error that wraps the given errors (passthrough to standard library)
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// IsCategory checks if an error is an EnhancedError with the specified category.
func IsCategory(err error, category ErrorCategory) bool {
	var enhancedErr *EnhancedError
	return As(err, &enhancedErr) && enhancedErr.Category == category
}

// CategoryOf returns the category of the outermost EnhancedError in err's
// chain, or CategoryGeneric.
func CategoryOf(err error) ErrorCategory {
	var enhancedErr *EnhancedError
	if As(err, &enhancedErr) {
		return enhancedErr.Category
	}
	return CategoryGeneric
}
