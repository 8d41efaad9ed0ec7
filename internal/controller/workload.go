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

package controller

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	netv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	"github.com/amartyaa/tenant-master/controlplane/internal/config"
	"github.com/amartyaa/tenant-master/controlplane/internal/templates"
)

const (
	// WorkloadName names the tenant deployment, service, ingress and service account.
	WorkloadName = "web"

	// DataMountPath is where the data claim is mounted in the workload.
	DataMountPath = "/data"

	// AnnotationClusterIssuer asks cert-manager for a certificate.
	AnnotationClusterIssuer = "cert-manager.io/cluster-issuer"

	// AnnotationEntrypoints selects the Traefik entrypoints of the router.
	AnnotationEntrypoints = "traefik.ingress.kubernetes.io/router.entrypoints"

	componentWorkload = "web"
	portName          = "http"
)

// Workloads renders the per-tenant objects that are not templated: the
// data claim and the web workload.
type Workloads struct {
	Cluster config.Cluster
}

// ServiceAccount is the workload identity. It carries no API token.
func (w *Workloads) ServiceAccount(t *tenantv1alpha1.Tenant) *corev1.ServiceAccount {
	return &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkloadName,
			Namespace: t.Slug,
			Labels:    templates.Labels(t.Slug, componentWorkload),
		},
		AutomountServiceAccountToken: ptr.To(false),
	}
}

// DataClaim is the volume holding tenant files.
func (w *Workloads) DataClaim(t *tenantv1alpha1.Tenant) *corev1.PersistentVolumeClaim {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      t.DataClaimName(),
			Namespace: t.Slug,
			Labels:    templates.Labels(t.Slug, "data"),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: templates.GiBQuantity(t.Resources.DiskGiB)},
			},
		},
	}
	if w.Cluster.StorageClass != "" {
		pvc.Spec.StorageClassName = ptr.To(w.Cluster.StorageClass)
	}
	return pvc
}

// desiredReplicas is zero while the tenant is suspended.
func desiredReplicas(t *tenantv1alpha1.Tenant) int32 {
	if t.State == tenantv1alpha1.StateSuspended {
		return 0
	}
	return t.Workload.Replicas
}

// perReplica splits the tenant CPU and memory limits across replicas.
func perReplica(l tenantv1alpha1.ResourceLimits, replicas int32) corev1.ResourceList {
	n := int64(replicas)
	if n < 1 {
		n = 1
	}
	cpu := templates.CPUQuantity(l.CPUCores)
	return corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(cpu.MilliValue()/n, resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity((l.MemoryGiB<<30)/n, resource.BinarySI),
	}
}

// Deployment runs the tenant image with the data claim mounted. The claim is
// ReadWriteOnce, so pods are recreated rather than rolled.
func (w *Workloads) Deployment(t *tenantv1alpha1.Tenant) *appsv1.Deployment {
	labels := templates.Labels(t.Slug, componentWorkload)
	limits := perReplica(t.Resources, t.Workload.Replicas)

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkloadName,
			Namespace: t.Slug,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(desiredReplicas(t)),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{
				tenantv1alpha1.LabelTenant:    t.Slug,
				tenantv1alpha1.LabelComponent: componentWorkload,
			}},
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					ServiceAccountName:           WorkloadName,
					AutomountServiceAccountToken: ptr.To(false),
					Containers: []corev1.Container{{
						Name:  WorkloadName,
						Image: t.Workload.Image,
						Ports: []corev1.ContainerPort{{
							Name:          portName,
							ContainerPort: t.Workload.Port,
							Protocol:      corev1.ProtocolTCP,
						}},
						Resources: corev1.ResourceRequirements{
							Limits:   limits,
							Requests: limits.DeepCopy(),
						},
						VolumeMounts: []corev1.VolumeMount{{Name: "data", MountPath: DataMountPath}},
					}},
					Volumes: []corev1.Volume{{
						Name: "data",
						VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: t.DataClaimName()},
						},
					}},
				},
			},
		},
	}
}

// Service exposes the workload on port 80.
func (w *Workloads) Service(t *tenantv1alpha1.Tenant) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkloadName,
			Namespace: t.Slug,
			Labels:    templates.Labels(t.Slug, componentWorkload),
		},
		Spec: corev1.ServiceSpec{
			Type: corev1.ServiceTypeClusterIP,
			Selector: map[string]string{
				tenantv1alpha1.LabelTenant:    t.Slug,
				tenantv1alpha1.LabelComponent: componentWorkload,
			},
			Ports: []corev1.ServicePort{{
				Name:       portName,
				Port:       80,
				TargetPort: intstr.FromString(portName),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

// Ingress routes the tenant domain to the service. With TLS enabled it
// requests a certificate from the issuer into TLSSecretName and listens on
// the HTTPS entrypoint; otherwise it listens on the HTTP entrypoint only.
func (w *Workloads) Ingress(t *tenantv1alpha1.Tenant) *netv1.Ingress {
	ing := &netv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:        WorkloadName,
			Namespace:   t.Slug,
			Labels:      templates.Labels(t.Slug, componentWorkload),
			Annotations: map[string]string{AnnotationEntrypoints: w.Cluster.HTTPEntrypoint},
		},
		Spec: netv1.IngressSpec{
			Rules: []netv1.IngressRule{{
				Host: t.Domain,
				IngressRuleValue: netv1.IngressRuleValue{HTTP: &netv1.HTTPIngressRuleValue{
					Paths: []netv1.HTTPIngressPath{{
						Path:     "/",
						PathType: ptr.To(netv1.PathTypePrefix),
						Backend: netv1.IngressBackend{Service: &netv1.IngressServiceBackend{
							Name: WorkloadName,
							Port: netv1.ServiceBackendPort{Name: portName},
						}},
					}},
				}},
			}},
		},
	}
	if w.Cluster.IngressClass != "" {
		ing.Spec.IngressClassName = ptr.To(w.Cluster.IngressClass)
	}
	if t.TLS.Enabled {
		ing.Annotations[AnnotationEntrypoints] = w.Cluster.HTTPSEntrypoint
		ing.Annotations[AnnotationClusterIssuer] = t.TLS.Issuer
		ing.Spec.TLS = []netv1.IngressTLS{{
			Hosts:      []string{t.Domain},
			SecretName: t.TLSSecretName(),
		}}
	}
	return ing
}
