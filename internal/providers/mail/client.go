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

// Package mail is a client for the mail server admin API.
//
// The API answers every call with one or more {type, msg} entries. Failures
// are not reliably reflected in the HTTP status, so each response is
// classified from its message text into a providers.Result here.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers"
)

const providerName = "mail"

// Client talks to the mail admin API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a mail client with the given base URL and API key.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// message is one entry of an API response.
type message struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg"`
}

func (m message) text() string {
	var s string
	if err := json.Unmarshal(m.Msg, &s); err == nil {
		return s
	}
	var parts []string
	if err := json.Unmarshal(m.Msg, &parts); err == nil {
		return strings.Join(parts, " ")
	}
	return string(m.Msg)
}

type entry struct {
	Address string `json:"address"`
}

// CreateDomain registers domain as an active mail domain.
func (c *Client) CreateDomain(ctx context.Context, domain string) providers.Result {
	return c.call(ctx, "create domain", http.MethodPost, "/api/v1/domains",
		map[string]any{"domain": domain, "active": true})
}

// SetDomainActive activates or deactivates domain without deleting mail.
func (c *Client) SetDomainActive(ctx context.Context, domain string, active bool) providers.Result {
	return c.call(ctx, "update domain", http.MethodPatch, "/api/v1/domains/"+url.PathEscape(domain),
		map[string]any{"active": active})
}

// DeleteDomain removes domain. Mailboxes and aliases must be gone first.
func (c *Client) DeleteDomain(ctx context.Context, domain string) providers.Result {
	return c.call(ctx, "delete domain", http.MethodDelete, "/api/v1/domains/"+url.PathEscape(domain), nil)
}

// CreateAlias forwards address to target.
func (c *Client) CreateAlias(ctx context.Context, address, target string) providers.Result {
	return c.call(ctx, "create alias", http.MethodPost, "/api/v1/aliases",
		map[string]any{"address": address, "goto": target, "active": true})
}

// DeleteMailbox removes a mailbox and its mail.
func (c *Client) DeleteMailbox(ctx context.Context, address string) providers.Result {
	return c.call(ctx, "delete mailbox", http.MethodDelete, "/api/v1/mailboxes/"+url.PathEscape(address), nil)
}

// DeleteAlias removes an alias.
func (c *Client) DeleteAlias(ctx context.Context, address string) providers.Result {
	return c.call(ctx, "delete alias", http.MethodDelete, "/api/v1/aliases/"+url.PathEscape(address), nil)
}

// ListMailboxes returns the mailbox addresses under domain. A missing domain
// yields an empty list with OutcomeNotFound.
func (c *Client) ListMailboxes(ctx context.Context, domain string) ([]string, providers.Result) {
	return c.list(ctx, "list mailboxes", "/api/v1/domains/"+url.PathEscape(domain)+"/mailboxes")
}

// ListAliases returns the alias addresses under domain.
func (c *Client) ListAliases(ctx context.Context, domain string) ([]string, providers.Result) {
	return c.list(ctx, "list aliases", "/api/v1/domains/"+url.PathEscape(domain)+"/aliases")
}

func (c *Client) list(ctx context.Context, op, path string) ([]string, providers.Result) {
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, providers.Failed(tmerrors.NewUpstream(providerName, op, err))
	}
	if status == http.StatusNotFound {
		return nil, providers.NotFound(string(body))
	}

	var entries []entry
	if status < 400 {
		if err := json.Unmarshal(body, &entries); err == nil {
			out := make([]string, 0, len(entries))
			for _, e := range entries {
				if e.Address != "" {
					out = append(out, e.Address)
				}
			}
			return out, providers.Ok(nil)
		}
	}
	return nil, classify(op, status, body)
}

func (c *Client) call(ctx context.Context, op, method, path string, payload any) providers.Result {
	status, body, err := c.do(ctx, method, path, payload)
	if err != nil {
		return providers.Failed(tmerrors.NewUpstream(providerName, op, err))
	}
	return classify(op, status, body)
}

// classify turns an API response into a Result. Any "success" entry wins;
// otherwise the joined messages decide between already-exists, not-found
// and a hard failure.
func classify(op string, status int, body []byte) providers.Result {
	msgs := decodeMessages(body)

	var texts []string
	for _, m := range msgs {
		if m.Type == "success" {
			return providers.Ok(nil)
		}
		texts = append(texts, m.text())
	}
	detail := strings.Join(texts, "; ")
	if detail == "" {
		detail = strings.TrimSpace(string(body))
	}

	if status == http.StatusNotFound {
		return providers.NotFound(detail)
	}
	if len(msgs) == 0 && status < 400 {
		return providers.Ok(nil)
	}

	switch providers.ClassifyMessage(detail) {
	case providers.OutcomeAlreadyExists:
		return providers.AlreadyExists(detail)
	case providers.OutcomeNotFound:
		return providers.NotFound(detail)
	}
	return providers.Failed(&tmerrors.UpstreamError{
		Provider:  providerName,
		Operation: op,
		Detail:    fmt.Sprintf("status %d: %s", status, detail),
		Retryable: status >= 500,
	})
}

func decodeMessages(body []byte) []message {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	if body[0] == '[' {
		var msgs []message
		if err := json.Unmarshal(body, &msgs); err == nil {
			return msgs
		}
		return nil
	}
	var m message
	if err := json.Unmarshal(body, &m); err == nil && m.Type != "" {
		return []message{m}
	}
	return nil
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
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
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
