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

package backup

import (
	"fmt"
	"path"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	"github.com/amartyaa/tenant-master/controlplane/internal/config"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/templates"
)

const (
	dataMountPath  = "/data"
	storeMountPath = "/backup"

	dataVolume  = "data"
	storeVolume = "store"
)

// Compression is the archive codec, chosen by file extension.
type Compression string

const (
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
)

// CompressionOf selects the codec for an archive name.
func CompressionOf(name string) (Compression, error) {
	n := strings.ToLower(name)
	switch {
	case strings.HasSuffix(n, ".gz"), strings.HasSuffix(n, ".tgz"):
		return Gzip, nil
	case strings.HasSuffix(n, ".zst"), strings.HasSuffix(n, ".tzst"):
		return Zstd, nil
	}
	return "", tmerrors.NewValidation("archive", "%q has no supported compression (.gz, .zst)", name)
}

// Pods builds the short-lived worker pods.
type Pods struct {
	Backup   config.Backup
	Postgres config.Postgres
}

// quote single-quotes s for sh.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// storePath is the in-pod path of a store-relative location.
func storePath(elem ...string) string {
	return path.Join(append([]string{storeMountPath}, elem...)...)
}

func (p *Pods) storeVolume(readOnly bool) corev1.Volume {
	v := corev1.Volume{Name: storeVolume}
	if p.Backup.NFSServer != "" {
		v.NFS = &corev1.NFSVolumeSource{Server: p.Backup.NFSServer, Path: p.Backup.NFSPath, ReadOnly: readOnly}
		return v
	}
	v.HostPath = &corev1.HostPathVolumeSource{
		Path: p.Backup.HostPath,
		Type: ptr.To(corev1.HostPathDirectoryOrCreate),
	}
	return v
}

func workerResources() corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("50m"),
			corev1.ResourceMemory: resource.MustParse("64Mi"),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    *resource.NewMilliQuantity(templates.WorkerReserveMilliCPU, resource.DecimalSI),
			corev1.ResourceMemory: *resource.NewQuantity(templates.WorkerReserveMemory, resource.BinarySI),
		},
	}
}

func (p *Pods) pod(t *tenantv1alpha1.Tenant, component string, at time.Time, image, script string, storeReadOnly, mountData bool) *corev1.Pod {
	mounts := []corev1.VolumeMount{{Name: storeVolume, MountPath: storeMountPath, ReadOnly: storeReadOnly}}
	volumes := []corev1.Volume{p.storeVolume(storeReadOnly)}
	if mountData {
		mounts = append(mounts, corev1.VolumeMount{Name: dataVolume, MountPath: dataMountPath})
		volumes = append(volumes, corev1.Volume{
			Name: dataVolume,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: t.DataClaimName()},
			},
		})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			// The timestamp keeps a new run from colliding with a stale one.
			Name:      fmt.Sprintf("%s-%s-%d", t.Slug, component, at.UTC().Unix()),
			Namespace: t.Slug,
			Labels:    templates.Labels(t.Slug, component),
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			AutomountServiceAccountToken:  ptr.To(false),
			TerminationGracePeriodSeconds: ptr.To[int64](5),
			Containers: []corev1.Container{{
				Name:         component,
				Image:        image,
				Command:      []string{"/bin/sh", "-c", script},
				VolumeMounts: mounts,
				Resources:    workerResources(),
			}},
			Volumes: volumes,
		},
	}
}

// RestoreFilesPod clears the data volume, dotfiles included, and extracts
// snap into it. The store is mounted read-only.
func (p *Pods) RestoreFilesPod(t *tenantv1alpha1.Tenant, snap Snapshot, at time.Time) (*corev1.Pod, error) {
	codec, err := CompressionOf(snap.Name)
	if err != nil {
		return nil, err
	}
	archive := quote(storePath(t.Slug, string(KindFiles), snap.Name))
	extract := fmt.Sprintf("tar -xzf %s -C %s", archive, dataMountPath)
	if codec == Zstd {
		extract = fmt.Sprintf("zstd -dc %s | tar -xf - -C %s", archive, dataMountPath)
	}
	lines := []string{
		"set -eu",
		"set -o pipefail",
		fmt.Sprintf("test -f %s", archive),
	}
	if codec == Zstd {
		// Stock alpine ships without zstd. Install it before the volume is cleared.
		lines = append(lines, "command -v zstd >/dev/null 2>&1 || apk add --no-cache zstd >/dev/null")
	}
	lines = append(lines,
		fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -exec rm -rf -- {} +", dataMountPath),
		extract,
	)
	script := strings.Join(lines, "\n")
	return p.pod(t, "restore", at, p.Backup.WorkerImage, script, true, true), nil
}

// partialPath is where an archive is written before it is renamed to name.
// The write is removed on exit unless the rename already happened.
func partialPath(dir, name string) string {
	return path.Join(dir, "."+name+".partial")
}

// BackupFilesPod archives the data volume into the store. The archive is
// written under a dot name and renamed when complete, so partial archives
// never count as snapshots.
func (p *Pods) BackupFilesPod(t *tenantv1alpha1.Tenant, at time.Time) (*corev1.Pod, string) {
	name := ArchiveName(t.Slug, KindFiles, at)
	dir := storePath(t.Slug, string(KindFiles))
	partial := quote(partialPath(dir, name))
	script := strings.Join([]string{
		"set -eu",
		fmt.Sprintf("mkdir -p %s", quote(dir)),
		fmt.Sprintf("trap \"rm -f -- %s\" EXIT", partial),
		fmt.Sprintf("tar -czf %s -C %s .", partial, dataMountPath),
		fmt.Sprintf("mv %s %s", partial, quote(path.Join(dir, name))),
	}, "\n")
	return p.pod(t, "backup", at, p.Backup.WorkerImage, script, false, true), name
}

// DumpDatabasePod dumps the tenant database with the credentials from
// secret into the store.
func (p *Pods) DumpDatabasePod(t *tenantv1alpha1.Tenant, secret string, at time.Time) (*corev1.Pod, string) {
	name := ArchiveName(t.Slug, KindDatabase, at)
	dir := storePath(t.Slug, string(KindDatabase))
	partial := quote(partialPath(dir, name))
	script := strings.Join([]string{
		"set -eu",
		"set -o pipefail",
		fmt.Sprintf("mkdir -p %s", quote(dir)),
		fmt.Sprintf("trap \"rm -f -- %s\" EXIT", partial),
		fmt.Sprintf("pg_dump --no-owner --no-privileges | gzip > %s", partial),
		fmt.Sprintf("mv %s %s", partial, quote(path.Join(dir, name))),
	}, "\n")
	pod := p.pod(t, "dump", at, p.Postgres.ClientImage, script, false, false)
	pod.Spec.Containers[0].EnvFrom = []corev1.EnvFromSource{{
		SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: secret}},
	}}
	return pod, name
}
