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

package ci

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers"
)

func TestDispatch(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/site/actions/workflows/deploy.yml/dispatches", r.URL.Path)
		assert.Equal(t, "Bearer t0ken", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res := NewClient(srv.URL, "t0ken", nil).Dispatch(context.Background(), "acme/site", "deploy.yml", "main", "ghcr.io/acme/site:v2")
	require.Equal(t, providers.OutcomeOK, res.Outcome)
	assert.Equal(t, "main", got["ref"])
	assert.Equal(t, map[string]any{"image": "ghcr.io/acme/site:v2"}, got["inputs"])
}

func TestWorkflowExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/deploy.yml"):
			_, _ = w.Write([]byte(`{"id":1,"state":"active"}`))
		case strings.HasSuffix(r.URL.Path, "/limited.yml"):
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"API rate limit exceeded"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	assert.Equal(t, providers.OutcomeOK, c.WorkflowExists(context.Background(), "acme/site", "deploy.yml").Outcome)
	assert.Equal(t, providers.OutcomeNotFound, c.WorkflowExists(context.Background(), "acme/site", "missing.yml").Outcome)

	res := c.WorkflowExists(context.Background(), "acme/site", "limited.yml")
	require.True(t, res.IsFailed())
	assert.True(t, tmerrors.IsRetryable(res.Err))
	assert.Contains(t, res.Err.Error(), "API rate limit exceeded")
}

func TestVerify(t *testing.T) {
	body := []byte(`{"ref":"main"}`)
	sig := Sign(body, "s3cret")

	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, Verify(body, sig, "s3cret"))
	assert.True(t, Verify(body, strings.TrimPrefix(sig, "sha256="), "s3cret"))
	assert.False(t, Verify(body, sig, "other"))
	assert.False(t, Verify([]byte(`{"ref":"evil"}`), sig, "s3cret"))
	assert.False(t, Verify(body, "sha256=zz", "s3cret"))
	assert.False(t, Verify(body, "", "s3cret"))
	assert.False(t, Verify(body, sig, ""))
}

func TestNewSecret(t *testing.T) {
	a, err := NewSecret()
	require.NoError(t, err)
	b, err := NewSecret()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
