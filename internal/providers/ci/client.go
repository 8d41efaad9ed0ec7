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

// Package ci dispatches deploy workflows on a GitHub-style CI API and
// verifies the signed webhooks that request them.
package ci

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers"
)

const (
	providerName = "ci"

	// SignatureHeader carries the webhook HMAC.
	SignatureHeader = "X-Hub-Signature-256"
)

// Client calls the workflow API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a CI client with the given API URL and token.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// WorkflowExists checks that workflow is defined in repo ("owner/name").
func (c *Client) WorkflowExists(ctx context.Context, repo, workflow string) providers.Result {
	path := fmt.Sprintf("/repos/%s/actions/workflows/%s", repo, workflow)
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return providers.Failed(tmerrors.NewUpstream(providerName, "get workflow", err))
	}
	return classify("get workflow", status, body)
}

// Dispatch starts workflow on ref. A non-empty image is passed as the
// "image" input.
func (c *Client) Dispatch(ctx context.Context, repo, workflow, ref, image string) providers.Result {
	payload := map[string]any{"ref": ref}
	if image != "" {
		payload["inputs"] = map[string]string{"image": image}
	}
	path := fmt.Sprintf("/repos/%s/actions/workflows/%s/dispatches", repo, workflow)
	status, body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return providers.Failed(tmerrors.NewUpstream(providerName, "dispatch", err))
	}
	return classify("dispatch", status, body)
}

func classify(op string, status int, body []byte) providers.Result {
	switch {
	case status < 300:
		return providers.Ok(nil)
	case status == http.StatusNotFound:
		return providers.NotFound(apiMessage(body))
	}
	return providers.Failed(&tmerrors.UpstreamError{
		Provider:  providerName,
		Operation: op,
		Detail:    fmt.Sprintf("status %d: %s", status, apiMessage(body)),
		Retryable: status >= 500 || status == http.StatusTooManyRequests,
	})
}

func apiMessage(body []byte) string {
	var m struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &m); err == nil && m.Message != "" {
		return m.Message
	}
	return strings.TrimSpace(string(body))
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// Sign returns the "sha256=<hex>" signature of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an HMAC-SHA256 signature in raw hex or "sha256=<hex>" form.
func Verify(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(sig, mac.Sum(nil))
}

// NewSecret returns a random hex webhook secret.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
