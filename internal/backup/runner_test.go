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
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
)

func newClient(t *testing.T, funcs *interceptor.Funcs, objs ...client.Object) client.WithWatch {
	t.Helper()
	s := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(s))
	b := fake.NewClientBuilder().WithScheme(s).WithObjects(objs...)
	if funcs != nil {
		b = b.WithInterceptorFuncs(*funcs)
	}
	return b.Build()
}

// settlePods makes every pod read report status.
func settlePods(status corev1.PodStatus) *interceptor.Funcs {
	return &interceptor.Funcs{
		Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
			if err := c.Get(ctx, key, obj, opts...); err != nil {
				return err
			}
			if pod, ok := obj.(*corev1.Pod); ok {
				pod.Status = status
			}
			return nil
		},
	}
}

func workerPod(t *testing.T) *corev1.Pod {
	pod, _ := testPods().BackupFilesPod(&tenantv1alpha1.Tenant{Slug: "acme"}, t0)
	return pod
}

func assertPodDeleted(t *testing.T, c client.Client, pod *corev1.Pod) {
	t.Helper()
	err := c.Get(context.Background(), client.ObjectKeyFromObject(pod), &corev1.Pod{})
	assert.True(t, apierrors.IsNotFound(err), "worker pod should be deleted, got %v", err)
}

func TestExecuteSucceeded(t *testing.T) {
	c := newClient(t, settlePods(corev1.PodStatus{Phase: corev1.PodSucceeded}))
	r := &Runner{Client: c, PollInterval: 5 * time.Millisecond, Log: logr.Discard()}
	pod := workerPod(t)

	run, err := r.Execute(context.Background(), "backup", pod, time.Second)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Phase)
	assertPodDeleted(t, c, pod)
}

func TestExecuteFailedCarriesReason(t *testing.T) {
	c := newClient(t, settlePods(corev1.PodStatus{
		Phase: corev1.PodRunning,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  "backup",
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 2, Message: "tar: short read"}},
		}},
	}))
	r := &Runner{Client: c, PollInterval: 5 * time.Millisecond, Log: logr.Discard()}
	pod := workerPod(t)

	run, err := r.Execute(context.Background(), "backup", pod, time.Second)
	require.Error(t, err)
	assert.True(t, tmerrors.IsUpstream(err))
	assert.Equal(t, RunFailed, run.Phase)
	assert.Contains(t, run.Reason, "exited 2: tar: short read")
	assertPodDeleted(t, c, pod)
}

func TestExecuteTimeoutDeletesPod(t *testing.T) {
	c := newClient(t, nil)
	r := &Runner{Client: c, PollInterval: 5 * time.Millisecond, Log: logr.Discard()}
	pod := workerPod(t)

	run, err := r.Execute(context.Background(), "restore", pod, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, tmerrors.IsTimeout(err))
	assert.Equal(t, RunTimedOut, run.Phase)
	assertPodDeleted(t, c, pod)
}

func TestExecuteCanceledStillDeletesPod(t *testing.T) {
	c := newClient(t, nil)
	r := &Runner{Client: c, PollInterval: 5 * time.Millisecond, Log: logr.Discard()}
	pod := workerPod(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := r.Execute(ctx, "restore", pod, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assertPodDeleted(t, c, pod)
}

func TestExecutePodDisappeared(t *testing.T) {
	c := newClient(t, &interceptor.Funcs{
		Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
			return apierrors.NewNotFound(corev1.Resource("pods"), key.Name)
		},
	})
	r := &Runner{Client: c, PollInterval: 5 * time.Millisecond, Log: logr.Discard()}

	run, err := r.Execute(context.Background(), "backup", workerPod(t), time.Second)
	assert.True(t, tmerrors.IsUpstream(err))
	assert.Equal(t, "pod disappeared", run.Reason)
}
