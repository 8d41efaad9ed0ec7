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

// Package slug derives tenant identifiers and allocates their namespaces.
package slug

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
)

// MaxLength is the namespace name limit (RFC 1123 label).
const MaxLength = 63

var (
	slugPattern  = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	nonAlnumRuns = regexp.MustCompile(`[^a-z0-9]+`)
)

// Normalize strips scheme, path and port from input, lower-cases it and
// collapses non-alphanumeric runs into single hyphens.
func Normalize(input string) string {
	s := strings.TrimSpace(input)
	if _, rest, ok := strings.Cut(s, "://"); ok {
		s = rest
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	s = strings.ToLower(s)
	s = nonAlnumRuns.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Validate reports whether s is a well-formed slug.
func Validate(s string) error {
	if s == "" {
		return tmerrors.NewValidation("slug", "must not be empty")
	}
	if len(s) > MaxLength {
		return tmerrors.NewValidation("slug", "must be at most %d characters", MaxLength)
	}
	if !slugPattern.MatchString(s) {
		return tmerrors.NewValidation("slug", "%q must match %s", s, slugPattern.String())
	}
	return nil
}

// FromDomain normalizes domain and validates the result.
func FromDomain(domain string) (string, error) {
	s := Normalize(domain)
	if s == "" {
		return "", tmerrors.NewValidation("domain", "%q does not contain any usable characters", domain)
	}
	if len(s) > MaxLength {
		s = strings.TrimRight(s[:MaxLength], "-")
	}
	if err := Validate(s); err != nil {
		return "", err
	}
	return s, nil
}

// withSuffix appends -n to base, shortening base to keep the result a valid name.
func withSuffix(base string, n int) string {
	suffix := "-" + strconv.Itoa(n)
	if len(base)+len(suffix) > MaxLength {
		base = strings.TrimRight(base[:MaxLength-len(suffix)], "-")
	}
	return base + suffix
}

// Request describes the namespace to allocate.
type Request struct {
	// Domain is recorded on the namespace and identifies the owner.
	Domain string
	// Slug, when set, is used verbatim and never suffixed.
	Slug string
	// Labels and Annotations seed the namespace.
	Labels      map[string]string
	Annotations map[string]string
}

// Allocator creates tenant namespaces. On a name owned by another domain it
// retries with numeric suffixes (-2, -3, ...) up to MaxAttempts names.
type Allocator struct {
	Client      client.Client
	MaxAttempts int
}

// Allocate creates the namespace for req seeded with its labels and
// annotations in a single create call. It returns the created namespace.
func (a *Allocator) Allocate(ctx context.Context, req Request, log logr.Logger) (*corev1.Namespace, error) {
	explicit := req.Slug != ""
	base := req.Slug
	if explicit {
		if err := Validate(base); err != nil {
			return nil, err
		}
	} else {
		var err error
		if base, err = FromDomain(req.Domain); err != nil {
			return nil, err
		}
	}

	attempts := a.MaxAttempts
	if attempts < 1 || explicit {
		attempts = 1
	}

	for i := 1; i <= attempts; i++ {
		name := base
		if i > 1 {
			name = withSuffix(base, i)
		}

		ns := &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{
				Name:        name,
				Labels:      copyMap(req.Labels),
				Annotations: copyMap(req.Annotations),
			},
		}
		if ns.Labels == nil {
			ns.Labels = map[string]string{}
		}
		ns.Labels[tenantv1alpha1.LabelManagedBy] = tenantv1alpha1.ManagedByValue
		ns.Labels[tenantv1alpha1.LabelTenant] = name

		err := a.Client.Create(ctx, ns)
		if err == nil {
			log.Info("allocated tenant namespace", "namespace", name, "domain", req.Domain, "attempt", i)
			return ns, nil
		}
		if !apierrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("namespace creation failed: %w", err)
		}

		owner, err := a.ownerOf(ctx, name)
		if err != nil {
			return nil, err
		}
		if owner == req.Domain {
			return nil, tmerrors.NewConflict("tenant", name, fmt.Sprintf("domain %s is already provisioned", req.Domain))
		}
		log.V(1).Info("slug taken by another tenant", "namespace", name, "owner", owner)
	}

	if explicit {
		return nil, tmerrors.NewConflict("namespace", base, "already exists")
	}
	return nil, tmerrors.NewConflict("namespace", base,
		fmt.Sprintf("no free name after %d attempts", attempts))
}

// ownerOf returns the domain annotation of an existing namespace.
func (a *Allocator) ownerOf(ctx context.Context, name string) (string, error) {
	existing := &corev1.Namespace{}
	if err := a.Client.Get(ctx, client.ObjectKey{Name: name}, existing); err != nil {
		if apierrors.IsNotFound(err) {
			// Deleted between create and get; treat as foreign so the next name is tried.
			return "", nil
		}
		return "", fmt.Errorf("failed to read namespace %s: %w", name, err)
	}
	return existing.Annotations[tenantv1alpha1.AnnotationDomain], nil
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
