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

// Package providers holds the result type shared by every external provider
// client. Each client classifies its raw responses into a Result once, so
// feature orchestration never inspects provider messages.
package providers

import (
	"fmt"
	"strings"
)

// Outcome tags a provider call result.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeAlreadyExists
	OutcomeNotFound
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeAlreadyExists:
		return "already-exists"
	case OutcomeNotFound:
		return "not-found"
	default:
		return "failed"
	}
}

// Result is the classified outcome of one provider call.
type Result struct {
	Outcome Outcome
	// Detail is the provider message, kept for diagnostics.
	Detail string
	// Err is set for OutcomeFailed.
	Err error
	// Fields carries values confirmed by the provider.
	Fields map[string]string
}

// Ok returns a successful result carrying fields.
func Ok(fields map[string]string) Result {
	return Result{Outcome: OutcomeOK, Fields: fields}
}

// AlreadyExists returns a result for an idempotent create.
func AlreadyExists(detail string) Result {
	return Result{Outcome: OutcomeAlreadyExists, Detail: detail}
}

// NotFound returns a result for an idempotent delete.
func NotFound(detail string) Result {
	return Result{Outcome: OutcomeNotFound, Detail: detail}
}

// Failed returns a hard failure.
func Failed(err error) Result {
	r := Result{Outcome: OutcomeFailed, Err: err}
	if err != nil {
		r.Detail = err.Error()
	}
	return r
}

// FailedDetail returns a hard failure from a provider message.
func FailedDetail(format string, args ...any) Result {
	return Failed(fmt.Errorf(format, args...))
}

// IsFailed reports whether the call failed for real.
func (r Result) IsFailed() bool { return r.Outcome == OutcomeFailed }

// EnsureOK reports whether a create-type call reached the desired state.
func (r Result) EnsureOK() bool {
	return r.Outcome == OutcomeOK || r.Outcome == OutcomeAlreadyExists
}

// RemoveOK reports whether a delete-type call reached the desired state.
func (r Result) RemoveOK() bool {
	return r.Outcome == OutcomeOK || r.Outcome == OutcomeNotFound
}

var (
	alreadyExistsPhrases = []string{"already exists", "already exist", "object_exists", "duplicate"}
	notFoundPhrases      = []string{"not found", "not_found", "does not exist", "doesn't exist", "no such"}
)

// ClassifyMessage maps a free-text provider message to an Outcome. Messages
// that match neither phrase list are OutcomeFailed.
func ClassifyMessage(msg string) Outcome {
	m := strings.ToLower(msg)
	for _, p := range alreadyExistsPhrases {
		if strings.Contains(m, p) {
			return OutcomeAlreadyExists
		}
	}
	for _, p := range notFoundPhrases {
		if strings.Contains(m, p) {
			return OutcomeNotFound
		}
	}
	return OutcomeFailed
}

// FromMessage builds a Result for a provider error message.
func FromMessage(msg string) Result {
	switch ClassifyMessage(msg) {
	case OutcomeAlreadyExists:
		return AlreadyExists(msg)
	case OutcomeNotFound:
		return NotFound(msg)
	default:
		return FailedDetail("%s", msg)
	}
}
