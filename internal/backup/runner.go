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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/kube"
	"github.com/amartyaa/tenant-master/controlplane/internal/metrics"
)

// RunPhase is the state of one worker pod run.
type RunPhase string

const (
	RunSubmitted RunPhase = "Submitted"
	RunRunning   RunPhase = "Running"
	RunSucceeded RunPhase = "Succeeded"
	RunFailed    RunPhase = "Failed"
	RunTimedOut  RunPhase = "TimedOut"
)

// Run is the outcome of a worker pod.
type Run struct {
	Pod      string        `json:"pod"`
	Phase    RunPhase      `json:"phase"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Runner submits a worker pod, polls it to a terminal phase and deletes it
// on every exit path.
type Runner struct {
	Client       client.Client
	PollInterval time.Duration
	Log          logr.Logger
}

// Execute runs pod until it succeeds, fails or timeout elapses. kind labels
// the outcome metric. A timeout returns a TimeoutError, a failed pod an
// UpstreamError carrying the container reason.
func (r *Runner) Execute(ctx context.Context, kind string, pod *corev1.Pod, timeout time.Duration) (run *Run, err error) {
	start := time.Now()
	run = &Run{Pod: pod.Name, Phase: RunSubmitted}
	log := r.Log.WithValues("namespace", pod.Namespace, "pod", pod.Name, "kind", kind)

	defer func() {
		run.Duration = time.Since(start)
		metrics.RecordWorkerRun(kind, runOutcome(run.Phase))
	}()

	if err := r.Client.Create(ctx, pod); err != nil {
		run.Phase = RunFailed
		run.Reason = err.Error()
		return run, tmerrors.NewUpstream("kubernetes", "create "+kind+" pod", err)
	}
	log.Info("submitted worker pod")

	// Cleanup survives cancellation of ctx.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		del := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: pod.Namespace, Name: pod.Name}}
		if derr := r.Client.Delete(cleanupCtx, del, client.PropagationPolicy(metav1.DeletePropagationBackground)); client.IgnoreNotFound(derr) != nil {
			log.Error(derr, "failed to delete worker pod")
			return
		}
		log.V(1).Info("deleted worker pod", "phase", run.Phase)
	}()

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := r.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.Done():
			if errors.Is(deadline.Err(), context.DeadlineExceeded) {
				run.Phase = RunTimedOut
				log.Info("worker pod timed out", "timeout", timeout.String())
				return run, tmerrors.NewTimeout(kind, timeout.String())
			}
			run.Phase = RunFailed
			run.Reason = "canceled"
			return run, deadline.Err()
		case <-ticker.C:
		}

		current := &corev1.Pod{}
		if err := r.Client.Get(deadline, client.ObjectKeyFromObject(pod), current); err != nil {
			if apierrors.IsNotFound(err) {
				run.Phase = RunFailed
				run.Reason = "pod disappeared"
				return run, tmerrors.NewUpstreamDetail("kubernetes", kind, "worker pod was deleted before completion")
			}
			// Transient read errors are retried until the deadline.
			log.V(1).Info("failed to read worker pod", "error", err.Error())
			continue
		}

		switch {
		case kube.PodSucceeded(current):
			run.Phase = RunSucceeded
			log.Info("worker pod succeeded")
			return run, nil
		case kube.PodFailed(current):
			run.Phase = RunFailed
			run.Reason = kube.PodFailureReason(current)
			log.Info("worker pod failed", "reason", run.Reason)
			return run, tmerrors.NewUpstreamDetail("kubernetes", kind, fmt.Sprintf("worker pod failed: %s", run.Reason))
		case current.Status.Phase == corev1.PodRunning && run.Phase == RunSubmitted:
			run.Phase = RunRunning
			log.V(1).Info("worker pod running")
		}
	}
}

func runOutcome(p RunPhase) string {
	switch p {
	case RunSucceeded:
		return metrics.OutcomeSuccess
	case RunTimedOut:
		return metrics.OutcomeTimeout
	}
	return metrics.OutcomeError
}
