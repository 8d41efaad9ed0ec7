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
	"net"
	"strconv"
	"strings"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers/dns"
)

// DNS feature fields.
const (
	FieldDNSZone   = "zone"
	FieldDNSTarget = "target"
	FieldDNSTTL    = "ttl"

	defaultTTL = 300
)

// ZoneStore is the DNS zone contract.
type ZoneStore interface {
	Apply(ctx context.Context, z dns.Zone) providers.Result
	Remove(ctx context.Context, domain string) providers.Result
}

// DNS publishes the tenant zone pointing at a target address.
type DNS struct {
	Zones ZoneStore
}

func (d *DNS) Feature() tenantv1alpha1.FeatureName { return tenantv1alpha1.FeatureDNS }

func (d *DNS) Configure(t *tenantv1alpha1.Tenant, input map[string]string) (map[string]string, error) {
	zone := strings.ToLower(strings.TrimSpace(input[FieldDNSZone]))
	if zone == "" {
		zone = t.Domain
	}
	if err := validateDomain("dns.zone", zone); err != nil {
		return nil, err
	}

	target := strings.TrimSpace(input[FieldDNSTarget])
	if target == "" {
		return nil, tmerrors.NewValidation("dns.target", "is required")
	}
	if ip := net.ParseIP(target); ip == nil || ip.To4() == nil {
		return nil, tmerrors.NewValidation("dns.target", "%q is not an IPv4 address", target)
	}

	ttl := defaultTTL
	if v := input[FieldDNSTTL]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 30 || n > 86400 {
			return nil, tmerrors.NewValidation("dns.ttl", "%q must be between 30 and 86400 seconds", v)
		}
		ttl = n
	}
	return map[string]string{
		FieldDNSZone:   zone,
		FieldDNSTarget: target,
		FieldDNSTTL:    strconv.Itoa(ttl),
	}, nil
}

func zoneOf(fields map[string]string) dns.Zone {
	ttl, err := strconv.Atoi(fields[FieldDNSTTL])
	if err != nil {
		ttl = defaultTTL
	}
	return dns.Zone{Domain: fields[FieldDNSZone], TargetIP: fields[FieldDNSTarget], TTL: ttl}
}

func (d *DNS) Ensure(ctx context.Context, _ *tenantv1alpha1.Tenant, fields map[string]string) providers.Result {
	return d.Zones.Apply(ctx, zoneOf(fields))
}

// Disable withdraws the zone; enabling again republishes it from the stored fields.
func (d *DNS) Disable(ctx context.Context, _ *tenantv1alpha1.Tenant, fields map[string]string) providers.Result {
	res := d.Zones.Remove(ctx, fields[FieldDNSZone])
	if res.Outcome == providers.OutcomeNotFound {
		return providers.Ok(nil)
	}
	return res
}

func (d *DNS) PurgeSteps(_ *tenantv1alpha1.Tenant, fields map[string]string) []Step {
	zone := fields[FieldDNSZone]
	if zone == "" {
		return nil
	}
	return []Step{{Name: "remove zone " + zone, Run: func(ctx context.Context) providers.Result {
		return d.Zones.Remove(ctx, zone)
	}}}
}

var _ Disabler = (*DNS)(nil)
