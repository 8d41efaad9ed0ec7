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

// Package v1alpha1 contains the tenant configuration document persisted on
// tenant namespaces.
package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ConfigVersion is the schema version stamped on every tenant namespace.
const ConfigVersion = "v1alpha1"

// TenantState represents the provisioning state of a tenant.
type TenantState string

const (
	// StateProvisioning: Tenant resources are being created.
	StateProvisioning TenantState = "Provisioning"

	// StateReady: Tenant is fully provisioned and ready for use.
	StateReady TenantState = "Ready"

	// StateFailed: Tenant provisioning failed. Check the last error for details.
	StateFailed TenantState = "Failed"

	// StateSuspended: Tenant workload is scaled to zero.
	StateSuspended TenantState = "Suspended"

	// StateTerminating: Tenant is being deleted.
	StateTerminating TenantState = "Terminating"
)

// FeatureName identifies an optional tenant capability.
type FeatureName string

const (
	FeatureDatabase FeatureName = "database"
	FeatureMail     FeatureName = "mail"
	FeatureDNS      FeatureName = "dns"
	FeatureCIDeploy FeatureName = "cideploy"
	FeatureBackup   FeatureName = "backup"
)

// AllFeatures returns every capability in teardown order.
func AllFeatures() []FeatureName {
	return []FeatureName{FeatureCIDeploy, FeatureBackup, FeatureDNS, FeatureMail, FeatureDatabase}
}

// IsKnownFeature reports whether name is a supported capability.
func IsKnownFeature(name FeatureName) bool {
	for _, f := range AllFeatures() {
		if f == name {
			return true
		}
	}
	return false
}

// FeaturePhase is the lifecycle phase of one capability.
type FeaturePhase string

const (
	FeatureDisabled  FeaturePhase = "disabled"
	FeatureEnabling  FeaturePhase = "enabling"
	FeatureEnabled   FeaturePhase = "enabled"
	FeatureDisabling FeaturePhase = "disabling"
	FeaturePurging   FeaturePhase = "purging"
)

// TLSConfig controls certificate issuance for the tenant ingress.
type TLSConfig struct {
	// Enabled switches the ingress to the HTTPS entrypoint.
	Enabled bool `json:"enabled"`

	// Issuer is the cert-manager ClusterIssuer name.
	Issuer string `json:"issuer,omitempty"`
}

// WorkloadSpec describes the tenant's single deployment.
type WorkloadSpec struct {
	// Image is the container image reference. Empty means nothing is deployed yet.
	Image string `json:"image,omitempty"`

	// Port is the container port exposed through the service and ingress.
	Port int32 `json:"port,omitempty"`

	// Replicas is the desired replica count while the tenant is not suspended.
	Replicas int32 `json:"replicas,omitempty"`
}

// ResourceLimits defines the tenant's compute and storage allowance.
type ResourceLimits struct {
	// CPUCores is the CPU limit in cores (e.g. 1.5).
	CPUCores float64 `json:"cpuCores"`

	// MemoryGiB is the memory limit in GiB.
	MemoryGiB int64 `json:"memoryGiB"`

	// DiskGiB is the size of the tenant data volume in GiB.
	DiskGiB int64 `json:"diskGiB"`
}

// FeatureState is the persisted lifecycle of one capability.
type FeatureState struct {
	Phase FeaturePhase `json:"phase"`

	// Fields holds capability-specific settings confirmed by the provider
	// (database name/user, mail domain, DNS target, CI repository, backup schedule).
	Fields map[string]string `json:"fields,omitempty"`

	// LastError records the most recent failed transition.
	LastError string `json:"lastError,omitempty"`

	UpdatedAt *metav1.Time `json:"updatedAt,omitempty"`
}

// Field returns a capability field or the empty string.
func (in FeatureState) Field(key string) string {
	if in.Fields == nil {
		return ""
	}
	return in.Fields[key]
}

// Tenant is one provisioned workspace, decoded from its namespace.
type Tenant struct {
	// Slug is the immutable tenant identifier and namespace name.
	Slug string `json:"slug"`

	// Domain is the primary host name served by the tenant.
	Domain string `json:"domain"`

	State TenantState `json:"state,omitempty"`

	TLS       TLSConfig      `json:"tls"`
	Workload  WorkloadSpec   `json:"workload"`
	Resources ResourceLimits `json:"resources"`

	Features map[FeatureName]FeatureState `json:"features,omitempty"`

	// LastError records the last provisioning error.
	LastError string `json:"lastError,omitempty"`

	CreatedAt metav1.Time `json:"createdAt,omitempty"`

	// ResourceVersion of the namespace the tenant was read from.
	ResourceVersion string `json:"resourceVersion,omitempty"`
}

// Feature returns the state of a capability, defaulting to disabled.
func (in *Tenant) Feature(name FeatureName) FeatureState {
	if in.Features != nil {
		if st, ok := in.Features[name]; ok {
			if st.Phase == "" {
				st.Phase = FeatureDisabled
			}
			return st
		}
	}
	return FeatureState{Phase: FeatureDisabled}
}

// DataClaimName is the PersistentVolumeClaim holding tenant files.
func (in *Tenant) DataClaimName() string {
	return in.Slug + "-data"
}

// TLSSecretName is the deterministic certificate secret for the tenant ingress.
func (in *Tenant) TLSSecretName() string {
	return in.Slug + "-tls"
}

// DeepCopy helpers, hand-written like the rest of this package.

func (in *FeatureState) DeepCopyInto(out *FeatureState) {
	*out = *in
	if in.Fields != nil {
		out.Fields = make(map[string]string, len(in.Fields))
		for k, v := range in.Fields {
			out.Fields[k] = v
		}
	}
	if in.UpdatedAt != nil {
		out.UpdatedAt = in.UpdatedAt.DeepCopy()
	}
}

func (in *FeatureState) DeepCopy() *FeatureState {
	if in == nil {
		return nil
	}
	out := new(FeatureState)
	in.DeepCopyInto(out)
	return out
}

func (in *Tenant) DeepCopyInto(out *Tenant) {
	*out = *in
	in.CreatedAt.DeepCopyInto(&out.CreatedAt)
	if in.Features != nil {
		out.Features = make(map[FeatureName]FeatureState, len(in.Features))
		for k, v := range in.Features {
			var cp FeatureState
			v.DeepCopyInto(&cp)
			out.Features[k] = cp
		}
	}
}

func (in *Tenant) DeepCopy() *Tenant {
	if in == nil {
		return nil
	}
	out := new(Tenant)
	in.DeepCopyInto(out)
	return out
}
