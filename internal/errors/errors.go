/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors defines the error classes surfaced by the control plane.
//
// Every class has a sentinel usable with errors.Is and a struct type carrying
// detail. Callers wrap with fmt.Errorf("...: %w", err) as usual; the class
// survives wrapping.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a referenced tenant or resource that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a duplicate identifier or a competing operation.
	ErrConflict = errors.New("conflict")

	// ErrUpstream marks a failed collaborator call.
	ErrUpstream = errors.New("upstream provider error")

	// ErrTimeout marks a polled operation that exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrConfiguration marks missing or invalid control-plane configuration.
	ErrConfiguration = errors.New("configuration error")
)

// ValidationError carries the specific reason an input was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q %s", e.Kind, e.Name, ErrNotFound)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError names the identifier that collided.
type ConflictError struct {
	Kind    string
	Name    string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s %q already exists", ErrConflict, e.Kind, e.Name)
	}
	return fmt.Sprintf("%s: %s %q: %s", ErrConflict, e.Kind, e.Name, e.Message)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// UpstreamError preserves the provider message for diagnostics.
type UpstreamError struct {
	Provider  string
	Operation string
	Detail    string
	// Retryable is true when the failure class is transient.
	Retryable bool
	Err       error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s: %s %s", ErrUpstream, e.Provider, e.Operation)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstream}
	}
	return []error{ErrUpstream, e.Err}
}

// TimeoutError reports the operation and the deadline it missed.
type TimeoutError struct {
	Operation string
	After     string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s did not finish within %s", ErrTimeout, e.Operation, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ConfigurationError names the missing setting.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Setting, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// NewValidation returns a ValidationError for field.
func NewValidation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NewNotFound returns a NotFoundError.
func NewNotFound(kind, name string) error {
	return &NotFoundError{Kind: kind, Name: name}
}

// NewConflict returns a ConflictError.
func NewConflict(kind, name, message string) error {
	return &ConflictError{Kind: kind, Name: name, Message: message}
}

// NewUpstream returns an UpstreamError wrapping err.
func NewUpstream(provider, operation string, err error) error {
	return &UpstreamError{
		Provider:  provider,
		Operation: operation,
		Retryable: IsTransientConnection(err),
		Err:       err,
	}
}

// NewUpstreamDetail returns an UpstreamError carrying a provider message.
func NewUpstreamDetail(provider, operation, detail string) error {
	return &UpstreamError{Provider: provider, Operation: operation, Detail: detail}
}

// NewTimeout returns a TimeoutError.
func NewTimeout(operation, after string) error {
	return &TimeoutError{Operation: operation, After: after}
}

// NewConfiguration returns a ConfigurationError.
func NewConfiguration(setting, reason string) error {
	return &ConfigurationError{Setting: setting, Reason: reason}
}

func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool      { return errors.Is(err, ErrConflict) }
func IsUpstream(err error) bool      { return errors.Is(err, ErrUpstream) }
func IsTimeout(err error) bool       { return errors.Is(err, ErrTimeout) }
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsRetryable reports whether a caller may retry the failed operation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) {
		return true
	}
	var up *UpstreamError
	if errors.As(err, &up) {
		return up.Retryable
	}
	return false
}

// IsTransientConnection checks if an error is a transient connection error.
// This includes network timeouts, connection refused, DNS failures, and similar issues.
func IsTransientConnection(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"i/o timeout",
		"no such host",
		"network is unreachable",
		"temporary failure",
		"dial tcp",
		"connection closed",
		"broken pipe",
		"unexpected eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
