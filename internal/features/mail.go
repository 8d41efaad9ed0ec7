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

package features

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/validation"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers"
)

// Mail feature fields.
const (
	FieldMailDomain     = "domain"
	FieldMailPostmaster = "postmaster"
)

// MailAPI is the mail server admin contract.
type MailAPI interface {
	CreateDomain(ctx context.Context, domain string) providers.Result
	SetDomainActive(ctx context.Context, domain string, active bool) providers.Result
	DeleteDomain(ctx context.Context, domain string) providers.Result
	CreateAlias(ctx context.Context, address, target string) providers.Result
	DeleteMailbox(ctx context.Context, address string) providers.Result
	DeleteAlias(ctx context.Context, address string) providers.Result
	ListMailboxes(ctx context.Context, domain string) ([]string, providers.Result)
	ListAliases(ctx context.Context, domain string) ([]string, providers.Result)
}

// Mail registers the tenant domain on the mail server.
type Mail struct {
	API MailAPI
}

func (m *Mail) Feature() tenantv1alpha1.FeatureName { return tenantv1alpha1.FeatureMail }

// validateDomain checks that d is a DNS subdomain with at least one dot.
func validateDomain(field, d string) error {
	if errs := validation.IsDNS1123Subdomain(d); len(errs) > 0 {
		return tmerrors.NewValidation(field, "%q: %s", d, strings.Join(errs, ", "))
	}
	if !strings.Contains(d, ".") {
		return tmerrors.NewValidation(field, "%q is not a fully qualified domain", d)
	}
	return nil
}

func (m *Mail) Configure(t *tenantv1alpha1.Tenant, input map[string]string) (map[string]string, error) {
	domain := strings.ToLower(strings.TrimSpace(input[FieldMailDomain]))
	if domain == "" {
		domain = t.Domain
	}
	if err := validateDomain("mail.domain", domain); err != nil {
		return nil, err
	}
	fields := map[string]string{FieldMailDomain: domain}
	if pm := strings.TrimSpace(input[FieldMailPostmaster]); pm != "" {
		if _, err := mail.ParseAddress(pm); err != nil {
			return nil, tmerrors.NewValidation("mail.postmaster", "%q is not an email address", pm)
		}
		fields[FieldMailPostmaster] = pm
	}
	return fields, nil
}

// Ensure creates the domain, or re-activates it when it already exists,
// and forwards postmaster when configured.
func (m *Mail) Ensure(ctx context.Context, _ *tenantv1alpha1.Tenant, fields map[string]string) providers.Result {
	domain := fields[FieldMailDomain]
	res := m.API.CreateDomain(ctx, domain)
	if !res.EnsureOK() {
		return res
	}
	if res.Outcome == providers.OutcomeAlreadyExists {
		if act := m.API.SetDomainActive(ctx, domain, true); act.IsFailed() {
			return act
		}
	}
	if target := fields[FieldMailPostmaster]; target != "" {
		if alias := m.API.CreateAlias(ctx, "postmaster@"+domain, target); !alias.EnsureOK() {
			return alias
		}
	}
	return res
}

// Disable deactivates the domain; mail is kept.
func (m *Mail) Disable(ctx context.Context, _ *tenantv1alpha1.Tenant, fields map[string]string) providers.Result {
	return m.API.SetDomainActive(ctx, fields[FieldMailDomain], false)
}

// PurgeSteps deletes every mailbox, then every alias, then the domain.
func (m *Mail) PurgeSteps(_ *tenantv1alpha1.Tenant, fields map[string]string) []Step {
	domain := fields[FieldMailDomain]
	if domain == "" {
		return nil
	}
	return []Step{
		{Name: "delete mailboxes of " + domain, Run: func(ctx context.Context) providers.Result {
			return m.deleteAll(ctx, domain, m.API.ListMailboxes, m.API.DeleteMailbox)
		}},
		{Name: "delete aliases of " + domain, Run: func(ctx context.Context) providers.Result {
			return m.deleteAll(ctx, domain, m.API.ListAliases, m.API.DeleteAlias)
		}},
		{Name: "delete domain " + domain, Run: func(ctx context.Context) providers.Result {
			return m.API.DeleteDomain(ctx, domain)
		}},
	}
}

// deleteAll lists addresses and deletes each one, attempting all of them.
func (m *Mail) deleteAll(
	ctx context.Context,
	domain string,
	list func(context.Context, string) ([]string, providers.Result),
	remove func(context.Context, string) providers.Result,
) providers.Result {
	addrs, res := list(ctx, domain)
	if !res.RemoveOK() {
		return res
	}
	if res.Outcome == providers.OutcomeNotFound || len(addrs) == 0 {
		return providers.NotFound("nothing under " + domain)
	}

	var errs error
	for _, addr := range addrs {
		if r := remove(ctx, addr); r.IsFailed() {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, r.Err))
		}
	}
	if errs != nil {
		return providers.Failed(errs)
	}
	return providers.Ok(nil)
}

var _ Disabler = (*Mail)(nil)
