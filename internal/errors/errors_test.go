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

package errors

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassesSurviveWrapping(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", NewValidation("domain", "must not be empty"), IsValidation},
		{"not found", NewNotFound("tenant", "acme"), IsNotFound},
		{"conflict", NewConflict("tenant", "acme", ""), IsConflict},
		{"upstream", NewUpstreamDetail("mail", "create domain", "boom"), IsUpstream},
		{"timeout", NewTimeout("restore", "5m0s"), IsTimeout},
		{"configuration", NewConfiguration("postgres.dsn", "not set"), IsConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.check(wrapped))
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := NewValidation("slug", "must match %s", "^[a-z]+$")
	assert.Equal(t, "validation error: slug: must match ^[a-z]+$", err.Error())
}

func TestUpstreamErrorKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")
	err := NewUpstream("postgres", "create role", cause)

	assert.True(t, IsUpstream(err))
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "create role")
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(NewTimeout("restore", "1s")))
	assert.False(t, IsRetryable(NewUpstreamDetail("mail", "create", "quota exceeded")))
	assert.False(t, IsRetryable(NewValidation("x", "bad")))
}

func TestIsTransientConnection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", errors.New("connection refused"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "db"}, true},
		{"syntax", errors.New("syntax error at or near \"ROLE\""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientConnection(tt.err))
		})
	}
}
