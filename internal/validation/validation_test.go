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

package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	"github.com/amartyaa/tenant-master/controlplane/internal/config"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
)

func TestDefaultCreate(t *testing.T) {
	req := &tenantv1alpha1.CreateRequest{Domain: "  Acme.IO ", TLS: tenantv1alpha1.TLSConfig{Enabled: true}}
	DefaultCreate(req, config.Defaults().Tenant, "letsencrypt")

	assert.Equal(t, "acme.io", req.Domain)
	assert.Equal(t, int32(8080), req.Port)
	assert.Equal(t, int32(1), req.Replicas)
	assert.Equal(t, tenantv1alpha1.ResourceLimits{CPUCores: 1, MemoryGiB: 1, DiskGiB: 5}, req.Resources)
	assert.Equal(t, "letsencrypt", req.TLS.Issuer)
	assert.Empty(t, ValidateCreate(req))
}

func TestValidateCreate(t *testing.T) {
	valid := func() *tenantv1alpha1.CreateRequest {
		req := &tenantv1alpha1.CreateRequest{Domain: "acme.io", Image: "ghcr.io/acme/site:1.2"}
		DefaultCreate(req, config.Defaults().Tenant, "")
		return req
	}

	tests := []struct {
		name   string
		mutate func(*tenantv1alpha1.CreateRequest)
		field  string
	}{
		{"missing domain", func(r *tenantv1alpha1.CreateRequest) { r.Domain = "" }, "domain"},
		{"single label domain", func(r *tenantv1alpha1.CreateRequest) { r.Domain = "localhost" }, "domain"},
		{"bad domain", func(r *tenantv1alpha1.CreateRequest) { r.Domain = "a_b.io" }, "domain"},
		{"bad slug", func(r *tenantv1alpha1.CreateRequest) { r.Slug = "Acme--co" }, "slug"},
		{"bad image", func(r *tenantv1alpha1.CreateRequest) { r.Image = "UPPER/case" }, "image"},
		{"bad port", func(r *tenantv1alpha1.CreateRequest) { r.Port = 70000 }, "port"},
		{"too many replicas", func(r *tenantv1alpha1.CreateRequest) { r.Replicas = 11 }, "replicas"},
		{"too much disk", func(r *tenantv1alpha1.CreateRequest) { r.Resources.DiskGiB = 5000 }, "resources.diskGiB"},
		{"tls without issuer", func(r *tenantv1alpha1.CreateRequest) { r.TLS.Enabled = true }, "tls.issuer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			errs := ValidateCreate(req)
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.field, errs[0].Field)

			err := ToError(errs)
			assert.True(t, tmerrors.IsValidation(err))
		})
	}
}

func TestValidateDeploy(t *testing.T) {
	assert.NotEmpty(t, ValidateDeploy(&tenantv1alpha1.DeployRequest{}))
	assert.Empty(t, ValidateDeploy(&tenantv1alpha1.DeployRequest{Image: "nginx:1.27"}))
	assert.Empty(t, ValidateDeploy(&tenantv1alpha1.DeployRequest{
		Image: "registry.example.com:5000/team/app@sha256:" + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	}))
	n := int32(-1)
	assert.NotEmpty(t, ValidateDeploy(&tenantv1alpha1.DeployRequest{Image: "nginx", Replicas: &n}))
}

func TestResize(t *testing.T) {
	assert.NotEmpty(t, ValidateResize(&tenantv1alpha1.ResizeRequest{}))
	assert.NotEmpty(t, ValidateResize(&tenantv1alpha1.ResizeRequest{DiskGiB: -1}))

	merged := MergeResize(tenantv1alpha1.ResourceLimits{CPUCores: 1, MemoryGiB: 2, DiskGiB: 5}, &tenantv1alpha1.ResizeRequest{DiskGiB: 10})
	assert.Equal(t, tenantv1alpha1.ResourceLimits{CPUCores: 1, MemoryGiB: 2, DiskGiB: 10}, merged)
	assert.Empty(t, ValidateLimits(nil, merged))
}

func TestToError(t *testing.T) {
	assert.NoError(t, ToError(nil))

	errs := ValidateCreate(&tenantv1alpha1.CreateRequest{})
	require.Greater(t, len(errs), 1)
	err := ToError(errs)
	assert.True(t, tmerrors.IsValidation(err))
	assert.Contains(t, err.Error(), "domain")
}
