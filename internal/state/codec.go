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

package state

import (
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
)

// Defaults fill fields that are missing or unparsable on a namespace.
type Defaults struct {
	Port      int32
	Replicas  int32
	CPUCores  float64
	MemoryGiB int64
	DiskGiB   int64
}

// Encode renders the full annotation set for t.
func Encode(t *tenantv1alpha1.Tenant) map[string]string {
	out := map[string]string{
		tenantv1alpha1.AnnotationConfigVersion: tenantv1alpha1.ConfigVersion,
		tenantv1alpha1.AnnotationDomain:        t.Domain,
		tenantv1alpha1.AnnotationState:         string(t.State),
		tenantv1alpha1.AnnotationTLSEnabled:    formatBool(t.TLS.Enabled),
		tenantv1alpha1.AnnotationPort:          formatInt32(t.Workload.Port),
		tenantv1alpha1.AnnotationReplicas:      formatInt32(t.Workload.Replicas),
		tenantv1alpha1.AnnotationCPUCores:      formatFloat(t.Resources.CPUCores),
		tenantv1alpha1.AnnotationMemoryGiB:     formatInt64(t.Resources.MemoryGiB),
		tenantv1alpha1.AnnotationDiskGiB:       formatInt64(t.Resources.DiskGiB),
	}
	if t.TLS.Issuer != "" {
		out[tenantv1alpha1.AnnotationTLSIssuer] = t.TLS.Issuer
	}
	if t.Workload.Image != "" {
		out[tenantv1alpha1.AnnotationImage] = t.Workload.Image
	}
	if t.LastError != "" {
		out[tenantv1alpha1.AnnotationLastError] = t.LastError
	}
	for name, fs := range t.Features {
		if fs.Phase != "" {
			out[tenantv1alpha1.FeatureAnnotation(name, tenantv1alpha1.FeatureFieldPhase)] = string(fs.Phase)
		}
		if fs.LastError != "" {
			out[tenantv1alpha1.FeatureAnnotation(name, tenantv1alpha1.FeatureFieldLastError)] = fs.LastError
		}
		if fs.UpdatedAt != nil {
			out[tenantv1alpha1.FeatureAnnotation(name, tenantv1alpha1.FeatureFieldUpdatedAt)] = formatTime(fs.UpdatedAt.Time)
		}
		for k, v := range fs.Fields {
			out[tenantv1alpha1.FeatureAnnotation(name, k)] = v
		}
	}
	return out
}

// Decode reads the tenant persisted on ns. Missing or unparsable values
// fall back to d; an unknown schema version is a configuration error.
func Decode(ns *corev1.Namespace, d Defaults) (*tenantv1alpha1.Tenant, error) {
	a := ns.Annotations
	if v := a[tenantv1alpha1.AnnotationConfigVersion]; v != "" && v != tenantv1alpha1.ConfigVersion {
		return nil, tmerrors.NewConfiguration(tenantv1alpha1.AnnotationConfigVersion,
			"namespace "+ns.Name+" carries unsupported version "+v)
	}

	t := &tenantv1alpha1.Tenant{
		Slug:   ns.Name,
		Domain: a[tenantv1alpha1.AnnotationDomain],
		State:  parseState(a[tenantv1alpha1.AnnotationState]),
		TLS: tenantv1alpha1.TLSConfig{
			Enabled: parseBool(a[tenantv1alpha1.AnnotationTLSEnabled]),
			Issuer:  a[tenantv1alpha1.AnnotationTLSIssuer],
		},
		Workload: tenantv1alpha1.WorkloadSpec{
			Image:    a[tenantv1alpha1.AnnotationImage],
			Port:     parseInt32(a[tenantv1alpha1.AnnotationPort], d.Port),
			Replicas: parseReplicas(a[tenantv1alpha1.AnnotationReplicas], d.Replicas),
		},
		Resources: tenantv1alpha1.ResourceLimits{
			CPUCores:  parseFloat(a[tenantv1alpha1.AnnotationCPUCores], d.CPUCores),
			MemoryGiB: parseInt64(a[tenantv1alpha1.AnnotationMemoryGiB], d.MemoryGiB),
			DiskGiB:   parseInt64(a[tenantv1alpha1.AnnotationDiskGiB], d.DiskGiB),
		},
		LastError:       a[tenantv1alpha1.AnnotationLastError],
		CreatedAt:       ns.CreationTimestamp,
		ResourceVersion: ns.ResourceVersion,
	}
	if ns.DeletionTimestamp != nil {
		t.State = tenantv1alpha1.StateTerminating
	}

	for key, value := range a {
		name, field, ok := tenantv1alpha1.ParseFeatureAnnotation(key)
		if !ok || !tenantv1alpha1.IsKnownFeature(name) {
			continue
		}
		if t.Features == nil {
			t.Features = map[tenantv1alpha1.FeatureName]tenantv1alpha1.FeatureState{}
		}
		fs := t.Features[name]
		switch field {
		case tenantv1alpha1.FeatureFieldPhase:
			fs.Phase = parsePhase(value)
		case tenantv1alpha1.FeatureFieldLastError:
			fs.LastError = value
		case tenantv1alpha1.FeatureFieldUpdatedAt:
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				fs.UpdatedAt = &metav1.Time{Time: ts}
			}
		default:
			if fs.Fields == nil {
				fs.Fields = map[string]string{}
			}
			fs.Fields[field] = value
		}
		t.Features[name] = fs
	}
	for name, fs := range t.Features {
		if fs.Phase == "" {
			fs.Phase = tenantv1alpha1.FeatureDisabled
			t.Features[name] = fs
		}
	}
	return t, nil
}

func parseState(v string) tenantv1alpha1.TenantState {
	switch s := tenantv1alpha1.TenantState(v); s {
	case tenantv1alpha1.StateProvisioning, tenantv1alpha1.StateReady, tenantv1alpha1.StateFailed,
		tenantv1alpha1.StateSuspended, tenantv1alpha1.StateTerminating:
		return s
	}
	return tenantv1alpha1.StateProvisioning
}

func parsePhase(v string) tenantv1alpha1.FeaturePhase {
	switch p := tenantv1alpha1.FeaturePhase(v); p {
	case tenantv1alpha1.FeatureDisabled, tenantv1alpha1.FeatureEnabling, tenantv1alpha1.FeatureEnabled,
		tenantv1alpha1.FeatureDisabling, tenantv1alpha1.FeaturePurging:
		return p
	}
	return tenantv1alpha1.FeatureDisabled
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func parseInt32(v string, def int32) int32 {
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n <= 0 {
		return def
	}
	return int32(n)
}

// parseReplicas accepts zero, unlike the other counters.
func parseReplicas(v string, def int32) int32 {
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

func parseInt64(v string, def int64) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseFloat(v string, def float64) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func formatBool(b bool) string     { return strconv.FormatBool(b) }
func formatInt32(n int32) string   { return strconv.FormatInt(int64(n), 10) }
func formatInt64(n int64) string   { return strconv.FormatInt(n, 10) }
func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
