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

// Package dns manages tenant zones stored as text blocks in a shared
// ConfigMap read by the cluster DNS server.
package dns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/amartyaa/tenant-master/controlplane/internal/config"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers"
)

const (
	providerName = "dns"

	beginMarker = "# tenant-master:begin "
	endMarker   = "# tenant-master:end "

	// RestartAnnotation on the DNS pod template forces a rollout that reloads zones.
	RestartAnnotation = "tenant-master.io/restartedAt"
)

// Zone is one tenant zone.
type Zone struct {
	Domain   string
	TargetIP string
	TTL      int
}

// Render returns the server block for z, without markers.
func (z Zone) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:53 {\n", z.Domain)
	b.WriteString("    hosts {\n")
	fmt.Fprintf(&b, "        %s %s\n", z.TargetIP, z.Domain)
	fmt.Fprintf(&b, "        %s www.%s\n", z.TargetIP, z.Domain)
	fmt.Fprintf(&b, "        ttl %d\n", z.TTL)
	b.WriteString("    }\n")
	b.WriteString("}\n")
	return b.String()
}

// Store edits zone blocks in the shared ConfigMap.
type Store struct {
	Client client.Client
	Config config.DNS
	Log    logr.Logger
	Now    func() time.Time
}

// NewStore returns a Store for cfg.
func NewStore(c client.Client, cfg config.DNS, log logr.Logger) *Store {
	return &Store{Client: c, Config: cfg, Log: log.WithName("dns"), Now: time.Now}
}

// Apply replaces any block for z.Domain with a freshly rendered one and
// triggers a reload, also when the block was already current.
func (s *Store) Apply(ctx context.Context, z Zone) providers.Result {
	block := z.Render()
	changed := false
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm := &corev1.ConfigMap{}
		err := s.Client.Get(ctx, client.ObjectKey{Namespace: s.Config.Namespace, Name: s.Config.ConfigMap}, cm)
		if apierrors.IsNotFound(err) {
			cm = &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{Namespace: s.Config.Namespace, Name: s.Config.ConfigMap},
				Data:       map[string]string{s.Config.DataKey: UpsertBlock("", z.Domain, block)},
			}
			changed = true
			return s.Client.Create(ctx, cm)
		}
		if err != nil {
			return err
		}

		current := cm.Data[s.Config.DataKey]
		next := UpsertBlock(current, z.Domain, block)
		if next == current {
			changed = false
			return nil
		}
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		cm.Data[s.Config.DataKey] = next
		changed = true
		return s.Client.Update(ctx, cm)
	})
	if err != nil {
		return providers.Failed(tmerrors.NewUpstream(providerName, "apply zone", err))
	}
	if !changed {
		// A previous reload may have failed after the write, so reload anyway.
		s.Log.V(1).Info("zone unchanged", "domain", z.Domain)
		if res := s.reload(ctx); res.IsFailed() {
			return res
		}
		return providers.AlreadyExists(z.Domain)
	}
	s.Log.Info("applied zone", "domain", z.Domain)
	return s.reload(ctx)
}

// Remove deletes the block for domain and triggers a reload. A missing
// block or ConfigMap reports NotFound. A missing block still reloads.
func (s *Store) Remove(ctx context.Context, domain string) providers.Result {
	found := false
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm := &corev1.ConfigMap{}
		if err := s.Client.Get(ctx, client.ObjectKey{Namespace: s.Config.Namespace, Name: s.Config.ConfigMap}, cm); err != nil {
			return err
		}
		next, ok := RemoveBlock(cm.Data[s.Config.DataKey], domain)
		found = ok
		if !ok {
			return nil
		}
		cm.Data[s.Config.DataKey] = next
		return s.Client.Update(ctx, cm)
	})
	if apierrors.IsNotFound(err) {
		return providers.NotFound("zone configmap not found")
	}
	if err != nil {
		return providers.Failed(tmerrors.NewUpstream(providerName, "remove zone", err))
	}
	if !found {
		if res := s.reload(ctx); res.IsFailed() {
			return res
		}
		return providers.NotFound("zone " + domain + " not found")
	}
	s.Log.Info("removed zone", "domain", domain)
	return s.reload(ctx)
}

// reload stamps the DNS deployment pod template so the server restarts.
func (s *Store) reload(ctx context.Context) providers.Result {
	dep := &appsv1.Deployment{}
	key := client.ObjectKey{Namespace: s.Config.Namespace, Name: s.Config.Deployment}
	if err := s.Client.Get(ctx, key, dep); err != nil {
		if apierrors.IsNotFound(err) {
			return providers.Failed(tmerrors.NewConfiguration("dns.deployment", fmt.Sprintf("deployment %s not found", key)))
		}
		return providers.Failed(tmerrors.NewUpstream(providerName, "reload", err))
	}

	patch := client.MergeFrom(dep.DeepCopy())
	if dep.Spec.Template.Annotations == nil {
		dep.Spec.Template.Annotations = map[string]string{}
	}
	dep.Spec.Template.Annotations[RestartAnnotation] = s.Now().UTC().Format(time.RFC3339)
	if err := s.Client.Patch(ctx, dep, patch); err != nil {
		return providers.Failed(tmerrors.NewUpstream(providerName, "reload", err))
	}
	return providers.Ok(nil)
}

// UpsertBlock removes any block for domain from text and appends block
// wrapped in markers.
func UpsertBlock(text, domain, block string) string {
	text, _ = RemoveBlock(text, domain)
	var b strings.Builder
	b.WriteString(text)
	if text != "" && !strings.HasSuffix(text, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(beginMarker + domain + "\n")
	b.WriteString(block)
	if !strings.HasSuffix(block, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(endMarker + domain + "\n")
	return b.String()
}

// RemoveBlock deletes every marked block for domain. It reports whether a
// block was found. An unterminated block runs to the end of text.
func RemoveBlock(text, domain string) (string, bool) {
	begin, end := beginMarker+domain, endMarker+domain
	lines := strings.SplitAfter(text, "\n")
	out := make([]string, 0, len(lines))
	found, inside := false, false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case !inside && trimmed == begin:
			inside, found = true, true
		case inside && trimmed == end:
			inside = false
		case !inside:
			out = append(out, line)
		}
	}
	return strings.Join(out, ""), found
}
