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

package slug

import (
	"context"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com", "example-com"},
		{"https://Shop.Example.COM/path?q=1", "shop-example-com"},
		{"http://user@blog.example.org:8443", "blog-example-org"},
		{"  --my__site--  ", "my-site"},
		{"a...b", "a-b"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestFromDomainAlwaysProducesValidSlug(t *testing.T) {
	domains := []string{
		"example.com",
		"WWW.Example.Co.UK",
		"xn--bcher-kva.example",
		"https://a.b.c:80/x",
		strings.Repeat("long", 30) + ".com",
	}
	for _, d := range domains {
		s, err := FromDomain(d)
		require.NoError(t, err, d)
		assert.NoError(t, Validate(s))
		assert.LessOrEqual(t, len(s), MaxLength)
	}
}

func TestFromDomainRejectsUnusableInput(t *testing.T) {
	for _, d := range []string{"", "   ", "://", "...", "https://:443/"} {
		_, err := FromDomain(d)
		require.Error(t, err, d)
		assert.True(t, tmerrors.IsValidation(err))
	}
}

func TestValidateDoesNotCoerce(t *testing.T) {
	for _, s := range []string{"Upper", "under_score", "-lead", "trail-", "dou--ble", "dot.ted"} {
		err := Validate(s)
		require.Error(t, err, s)
		assert.True(t, tmerrors.IsValidation(err))
	}
	assert.NoError(t, Validate("acme-shop-2"))
}

func TestWithSuffixKeepsLength(t *testing.T) {
	base := strings.Repeat("a", MaxLength)
	got := withSuffix(base, 3)
	assert.Len(t, got, MaxLength)
	assert.True(t, strings.HasSuffix(got, "-3"))
	assert.NoError(t, Validate(got))
}

func newAllocator(objs ...client.Object) (*Allocator, client.Client) {
	s := runtime.NewScheme()
	_ = corev1.AddToScheme(s)
	cl := fake.NewClientBuilder().WithScheme(s).WithObjects(objs...).Build()
	return &Allocator{Client: cl, MaxAttempts: 3}, cl
}

func foreignNamespace(name, domain string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name:        name,
		Annotations: map[string]string{tenantv1alpha1.AnnotationDomain: domain},
	}}
}

func TestAllocateSeedsNamespace(t *testing.T) {
	ctx := context.Background()
	a, cl := newAllocator()

	ns, err := a.Allocate(ctx, Request{
		Domain:      "acme.io",
		Annotations: map[string]string{tenantv1alpha1.AnnotationDomain: "acme.io"},
	}, logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, "acme-io", ns.Name)

	got := &corev1.Namespace{}
	require.NoError(t, cl.Get(ctx, client.ObjectKey{Name: "acme-io"}, got))
	assert.Equal(t, "acme.io", got.Annotations[tenantv1alpha1.AnnotationDomain])
	assert.Equal(t, tenantv1alpha1.ManagedByValue, got.Labels[tenantv1alpha1.LabelManagedBy])
	assert.Equal(t, "acme-io", got.Labels[tenantv1alpha1.LabelTenant])
}

func TestAllocateSuffixesOnForeignOwner(t *testing.T) {
	ctx := context.Background()
	a, _ := newAllocator(
		foreignNamespace("acme-io", "acme-io.example"),
		foreignNamespace("acme-io-2", "other.example"),
	)

	ns, err := a.Allocate(ctx, Request{Domain: "acme.io"}, logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, "acme-io-3", ns.Name)
}

func TestAllocateSameDomainIsConflict(t *testing.T) {
	a, _ := newAllocator(foreignNamespace("acme-io", "acme.io"))

	_, err := a.Allocate(context.Background(), Request{Domain: "acme.io"}, logr.Discard())
	require.Error(t, err)
	assert.True(t, tmerrors.IsConflict(err))
}

func TestAllocateExhaustsAttempts(t *testing.T) {
	a, _ := newAllocator(
		foreignNamespace("acme-io", "x"),
		foreignNamespace("acme-io-2", "y"),
		foreignNamespace("acme-io-3", "z"),
	)

	_, err := a.Allocate(context.Background(), Request{Domain: "acme.io"}, logr.Discard())
	require.Error(t, err)
	assert.True(t, tmerrors.IsConflict(err))
}

func TestAllocateExplicitSlugNeverSuffixed(t *testing.T) {
	a, _ := newAllocator(foreignNamespace("shop", "other.example"))

	_, err := a.Allocate(context.Background(), Request{Domain: "acme.io", Slug: "shop"}, logr.Discard())
	require.Error(t, err)
	assert.True(t, tmerrors.IsConflict(err))
}

func TestAllocateInvalidDomainCreatesNothing(t *testing.T) {
	ctx := context.Background()
	a, cl := newAllocator()

	_, err := a.Allocate(ctx, Request{Domain: "***"}, logr.Discard())
	require.Error(t, err)
	assert.True(t, tmerrors.IsValidation(err))

	list := &corev1.NamespaceList{}
	require.NoError(t, cl.List(ctx, list))
	assert.Empty(t, list.Items)
}
