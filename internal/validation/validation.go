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

// Package validation defaults and validates lifecycle requests before any
// cluster or provider call is made.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	"github.com/amartyaa/tenant-master/controlplane/internal/config"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/slug"
)

// Limits accepted for a single tenant.
const (
	MinCPUCores  = 0.1
	MaxCPUCores  = 16
	MaxMemoryGiB = 64
	MaxDiskGiB   = 1024
	MaxReplicas  = 10
)

// imagePattern accepts registry/repository[:tag][@digest] references.
var imagePattern = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*(:[0-9]+)?(/[a-z0-9]+([._-][a-z0-9]+)*)*(:[\w][\w.-]{0,127})?(@sha256:[a-f0-9]{64})?$`)

// DefaultCreate fills zero values of req from the configured defaults.
func DefaultCreate(req *tenantv1alpha1.CreateRequest, d config.TenantDefaults, issuer string) {
	req.Domain = strings.ToLower(strings.TrimSpace(req.Domain))
	req.Slug = strings.TrimSpace(req.Slug)
	req.Image = strings.TrimSpace(req.Image)
	if req.Port == 0 {
		req.Port = d.Port
	}
	if req.Replicas == 0 {
		req.Replicas = d.Replicas
	}
	if req.Resources.CPUCores == 0 {
		req.Resources.CPUCores = d.CPUCores
	}
	if req.Resources.MemoryGiB == 0 {
		req.Resources.MemoryGiB = d.MemoryGiB
	}
	if req.Resources.DiskGiB == 0 {
		req.Resources.DiskGiB = d.DiskGiB
	}
	if req.TLS.Enabled && req.TLS.Issuer == "" {
		req.TLS.Issuer = issuer
	}
}

// ValidateCreate checks a defaulted create request.
func ValidateCreate(req *tenantv1alpha1.CreateRequest) field.ErrorList {
	var allErrs field.ErrorList
	allErrs = append(allErrs, validateDomain(field.NewPath("domain"), req.Domain)...)
	if req.Slug != "" {
		if err := slug.Validate(req.Slug); err != nil {
			allErrs = append(allErrs, field.Invalid(field.NewPath("slug"), req.Slug, "must match ^[a-z0-9]+(-[a-z0-9]+)*$"))
		}
	}
	if req.Image != "" {
		allErrs = append(allErrs, validateImage(field.NewPath("image"), req.Image)...)
	}
	allErrs = append(allErrs, validatePort(field.NewPath("port"), req.Port)...)
	allErrs = append(allErrs, validateReplicas(field.NewPath("replicas"), req.Replicas)...)
	allErrs = append(allErrs, ValidateLimits(field.NewPath("resources"), req.Resources)...)
	allErrs = append(allErrs, validateTLS(field.NewPath("tls"), req.TLS.Enabled, req.TLS.Issuer)...)
	return allErrs
}

// ValidateDeploy checks a deploy request.
func ValidateDeploy(req *tenantv1alpha1.DeployRequest) field.ErrorList {
	var allErrs field.ErrorList
	if req.Image == "" {
		allErrs = append(allErrs, field.Required(field.NewPath("image"), "image must be specified"))
	} else {
		allErrs = append(allErrs, validateImage(field.NewPath("image"), req.Image)...)
	}
	if req.Port != 0 {
		allErrs = append(allErrs, validatePort(field.NewPath("port"), req.Port)...)
	}
	if req.Replicas != nil {
		allErrs = append(allErrs, validateReplicas(field.NewPath("replicas"), *req.Replicas)...)
	}
	return allErrs
}

// MergeResize applies the non-zero fields of req to current.
func MergeResize(current tenantv1alpha1.ResourceLimits, req *tenantv1alpha1.ResizeRequest) tenantv1alpha1.ResourceLimits {
	out := current
	if req.CPUCores != 0 {
		out.CPUCores = req.CPUCores
	}
	if req.MemoryGiB != 0 {
		out.MemoryGiB = req.MemoryGiB
	}
	if req.DiskGiB != 0 {
		out.DiskGiB = req.DiskGiB
	}
	return out
}

// ValidateResize checks a resize request.
func ValidateResize(req *tenantv1alpha1.ResizeRequest) field.ErrorList {
	var allErrs field.ErrorList
	if req.CPUCores == 0 && req.MemoryGiB == 0 && req.DiskGiB == 0 {
		return append(allErrs, field.Required(field.NewPath("resources"), "at least one limit must be specified"))
	}
	if req.CPUCores < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("cpuCores"), req.CPUCores, "must not be negative"))
	}
	if req.MemoryGiB < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("memoryGiB"), req.MemoryGiB, "must not be negative"))
	}
	if req.DiskGiB < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("diskGiB"), req.DiskGiB, "must not be negative"))
	}
	return allErrs
}

// ValidateLimits checks complete resource limits.
func ValidateLimits(path *field.Path, l tenantv1alpha1.ResourceLimits) field.ErrorList {
	var allErrs field.ErrorList
	if l.CPUCores < MinCPUCores || l.CPUCores > MaxCPUCores {
		allErrs = append(allErrs, field.Invalid(path.Child("cpuCores"), l.CPUCores,
			fmt.Sprintf("must be between %v and %v", MinCPUCores, MaxCPUCores)))
	}
	if l.MemoryGiB < 1 || l.MemoryGiB > MaxMemoryGiB {
		allErrs = append(allErrs, field.Invalid(path.Child("memoryGiB"), l.MemoryGiB,
			fmt.Sprintf("must be between 1 and %d", MaxMemoryGiB)))
	}
	if l.DiskGiB < 1 || l.DiskGiB > MaxDiskGiB {
		allErrs = append(allErrs, field.Invalid(path.Child("diskGiB"), l.DiskGiB,
			fmt.Sprintf("must be between 1 and %d", MaxDiskGiB)))
	}
	return allErrs
}

// ValidateTLS checks a TLS toggle. The issuer is only required when enabling.
func ValidateTLS(req *tenantv1alpha1.TLSRequest) field.ErrorList {
	return validateTLS(field.NewPath("tls"), req.Enabled, req.Issuer)
}

func validateTLS(path *field.Path, enabled bool, issuer string) field.ErrorList {
	var allErrs field.ErrorList
	if !enabled {
		return allErrs
	}
	if issuer == "" {
		return append(allErrs, field.Required(path.Child("issuer"), "issuer must be specified when TLS is enabled"))
	}
	for _, msg := range validation.IsDNS1123Subdomain(issuer) {
		allErrs = append(allErrs, field.Invalid(path.Child("issuer"), issuer, msg))
	}
	return allErrs
}

func validateDomain(path *field.Path, domain string) field.ErrorList {
	var allErrs field.ErrorList
	if domain == "" {
		return append(allErrs, field.Required(path, "domain must be specified"))
	}
	for _, msg := range validation.IsDNS1123Subdomain(domain) {
		allErrs = append(allErrs, field.Invalid(path, domain, msg))
	}
	if !strings.Contains(domain, ".") {
		allErrs = append(allErrs, field.Invalid(path, domain, "must be a fully qualified domain"))
	}
	return allErrs
}

func validateImage(path *field.Path, image string) field.ErrorList {
	if len(image) > 255 || !imagePattern.MatchString(image) {
		return field.ErrorList{field.Invalid(path, image, "invalid image reference")}
	}
	return nil
}

func validatePort(path *field.Path, port int32) field.ErrorList {
	var allErrs field.ErrorList
	for _, msg := range validation.IsValidPortNum(int(port)) {
		allErrs = append(allErrs, field.Invalid(path, port, msg))
	}
	return allErrs
}

func validateReplicas(path *field.Path, n int32) field.ErrorList {
	if n < 0 || n > MaxReplicas {
		return field.ErrorList{field.Invalid(path, n, fmt.Sprintf("must be between 0 and %d", MaxReplicas))}
	}
	return nil
}

// ToError converts a non-empty list into a ValidationError naming the first
// offending field. It returns nil for an empty list.
func ToError(errs field.ErrorList) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return &tmerrors.ValidationError{Field: errs[0].Field, Reason: errs[0].ErrorBody()}
	}
	return &tmerrors.ValidationError{Reason: errs.ToAggregate().Error()}
}
