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

// CreateRequest provisions a new tenant. Zero values are defaulted.
type CreateRequest struct {
	// Domain is the primary host name. The slug is derived from it unless
	// Slug is set.
	Domain string `json:"domain"`
	Slug   string `json:"slug,omitempty"`

	Image    string `json:"image,omitempty"`
	Port     int32  `json:"port,omitempty"`
	Replicas int32  `json:"replicas,omitempty"`

	Resources ResourceLimits `json:"resources"`
	TLS       TLSConfig      `json:"tls"`
}

// DeployRequest rolls out a workload image.
type DeployRequest struct {
	Image    string `json:"image"`
	Port     int32  `json:"port,omitempty"`
	Replicas *int32 `json:"replicas,omitempty"`
}

// ResizeRequest changes the tenant limits. Zero fields keep their value.
type ResizeRequest struct {
	CPUCores  float64 `json:"cpuCores,omitempty"`
	MemoryGiB int64   `json:"memoryGiB,omitempty"`
	DiskGiB   int64   `json:"diskGiB,omitempty"`
}

// TLSRequest toggles certificate issuance.
type TLSRequest struct {
	Enabled bool   `json:"enabled"`
	Issuer  string `json:"issuer,omitempty"`
}

// RestoreRequest names the archive to restore. Empty or "latest" picks the
// most recent snapshot.
type RestoreRequest struct {
	Archive string `json:"archive,omitempty"`
}
