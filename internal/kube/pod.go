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

package kube

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
)

// PodSucceeded reports whether a worker pod has completed successfully.
func PodSucceeded(pod *corev1.Pod) bool {
	return pod != nil && pod.Status.Phase == corev1.PodSucceeded
}

// PodFailed reports whether a worker pod has completed unsuccessfully.
func PodFailed(pod *corev1.Pod) bool {
	if pod == nil {
		return false
	}
	if pod.Status.Phase == corev1.PodFailed {
		return true
	}

	// With RestartPolicy=Never a terminated non-zero container is final even
	// before the kubelet moves the phase.
	for _, cs := range pod.Status.ContainerStatuses {
		if t := cs.State.Terminated; t != nil && t.ExitCode != 0 {
			return true
		}
	}
	return false
}

// PodFailureReason summarizes why a worker pod failed.
func PodFailureReason(pod *corev1.Pod) string {
	if pod == nil {
		return ""
	}
	var parts []string
	if pod.Status.Reason != "" {
		parts = append(parts, pod.Status.Reason)
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if t := cs.State.Terminated; t != nil && t.ExitCode != 0 {
			msg := fmt.Sprintf("container %s exited %d", cs.Name, t.ExitCode)
			if t.Message != "" {
				msg += ": " + strings.TrimSpace(t.Message)
			}
			parts = append(parts, msg)
		}
	}
	if len(parts) == 0 {
		return string(pod.Status.Phase)
	}
	return strings.Join(parts, "; ")
}
