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

package v1alpha1

import "strings"

const (
	// AnnotationPrefix namespaces every tenant configuration key.
	AnnotationPrefix = "tenant-master.io/"

	AnnotationConfigVersion = AnnotationPrefix + "config-version"
	AnnotationDomain        = AnnotationPrefix + "domain"
	AnnotationState         = AnnotationPrefix + "state"
	AnnotationLastError     = AnnotationPrefix + "last-error"
	AnnotationTLSEnabled    = AnnotationPrefix + "tls-enabled"
	AnnotationTLSIssuer     = AnnotationPrefix + "tls-issuer"
	AnnotationImage         = AnnotationPrefix + "image"
	AnnotationPort          = AnnotationPrefix + "port"
	AnnotationReplicas      = AnnotationPrefix + "replicas"
	AnnotationCPUCores      = AnnotationPrefix + "cpu-cores"
	AnnotationMemoryGiB     = AnnotationPrefix + "memory-gib"
	AnnotationDiskGiB       = AnnotationPrefix + "disk-gib"

	// featureAnnotationInfix separates the prefix from "<feature>.<field>".
	featureAnnotationInfix = "feature."

	// Reserved per-feature field names.
	FeatureFieldPhase     = "phase"
	FeatureFieldLastError = "last-error"
	FeatureFieldUpdatedAt = "updated-at"
)

const (
	// LabelManagedBy marks namespaces owned by the control plane.
	LabelManagedBy = "app.kubernetes.io/managed-by"
	ManagedByValue = "tenant-master"

	// LabelTenant carries the slug on every object rendered for a tenant.
	LabelTenant = "tenant-master.io/tenant"

	// LabelComponent distinguishes rendered objects (workload, restore, backup).
	LabelComponent = "tenant-master.io/component"
)

// FeatureAnnotation returns the annotation key of one feature field.
func FeatureAnnotation(feature FeatureName, field string) string {
	return AnnotationPrefix + featureAnnotationInfix + string(feature) + "." + field
}

// ParseFeatureAnnotation splits a feature annotation key into feature and field.
func ParseFeatureAnnotation(key string) (FeatureName, string, bool) {
	rest, ok := strings.CutPrefix(key, AnnotationPrefix+featureAnnotationInfix)
	if !ok {
		return "", "", false
	}
	feature, field, ok := strings.Cut(rest, ".")
	if !ok || feature == "" || field == "" {
		return "", "", false
	}
	return FeatureName(feature), field, true
}

// IsReservedFeatureField reports whether field is managed by the lifecycle itself.
func IsReservedFeatureField(field string) bool {
	switch field {
	case FeatureFieldPhase, FeatureFieldLastError, FeatureFieldUpdatedAt:
		return true
	}
	return false
}
