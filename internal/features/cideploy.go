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

package features

import (
	"context"
	"errors"
	"regexp"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/kube"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers/ci"
	"github.com/amartyaa/tenant-master/controlplane/internal/templates"
)

// CI deploy feature fields.
const (
	FieldCIRepo     = "repo"
	FieldCIBranch   = "branch"
	FieldCIWorkflow = "workflow"
	FieldCISecret   = "secret"

	// SecretKeyWebhook holds the webhook HMAC secret.
	SecretKeyWebhook = "webhook-secret"
)

var (
	repoPattern     = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	branchPattern   = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,255}$`)
	workflowPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+\.ya?ml$`)

	// ErrInvalidSignature is returned for webhooks failing verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// WorkflowAPI is the CI dispatch contract.
type WorkflowAPI interface {
	WorkflowExists(ctx context.Context, repo, workflow string) providers.Result
	Dispatch(ctx context.Context, repo, workflow, ref, image string) providers.Result
}

// CIDeploy lets a signed webhook dispatch the tenant deploy workflow.
type CIDeploy struct {
	API     WorkflowAPI
	Client  client.Client
	Applier *kube.Applier
}

func (c *CIDeploy) Feature() tenantv1alpha1.FeatureName { return tenantv1alpha1.FeatureCIDeploy }

func (c *CIDeploy) Configure(t *tenantv1alpha1.Tenant, input map[string]string) (map[string]string, error) {
	repo := strings.TrimSpace(input[FieldCIRepo])
	if !repoPattern.MatchString(repo) || strings.Contains(repo, "..") {
		return nil, tmerrors.NewValidation("cideploy.repo", "%q must be owner/name", repo)
	}
	branch := input[FieldCIBranch]
	if branch == "" {
		branch = "main"
	}
	if !branchPattern.MatchString(branch) || strings.Contains(branch, "..") {
		return nil, tmerrors.NewValidation("cideploy.branch", "%q is not a valid branch", branch)
	}
	workflow := input[FieldCIWorkflow]
	if workflow == "" {
		workflow = "deploy.yml"
	}
	if !workflowPattern.MatchString(workflow) {
		return nil, tmerrors.NewValidation("cideploy.workflow", "%q must be a workflow file name", workflow)
	}
	return map[string]string{
		FieldCIRepo:     repo,
		FieldCIBranch:   branch,
		FieldCIWorkflow: workflow,
		FieldCISecret:   t.Slug + "-ci",
	}, nil
}

// Ensure checks the workflow exists and creates the webhook secret once.
func (c *CIDeploy) Ensure(ctx context.Context, t *tenantv1alpha1.Tenant, fields map[string]string) providers.Result {
	res := c.API.WorkflowExists(ctx, fields[FieldCIRepo], fields[FieldCIWorkflow])
	if res.Outcome == providers.OutcomeNotFound {
		return providers.Failed(tmerrors.NewValidation("cideploy.workflow",
			"%s not found in %s", fields[FieldCIWorkflow], fields[FieldCIRepo]))
	}
	if res.IsFailed() {
		return res
	}

	secret, err := c.webhookSecret(ctx, t.Slug, fields[FieldCISecret])
	if err != nil && !tmerrors.IsNotFound(err) {
		return providers.Failed(tmerrors.NewUpstream("kubernetes", "read webhook secret", err))
	}
	if secret != "" {
		return providers.AlreadyExists(fields[FieldCISecret])
	}
	if secret, err = ci.NewSecret(); err != nil {
		return providers.Failed(err)
	}
	if _, err := c.Applier.UpsertSecret(ctx, &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fields[FieldCISecret],
			Namespace: t.Slug,
			Labels:    templates.Labels(t.Slug, "cideploy"),
		},
		Type:       corev1.SecretTypeOpaque,
		StringData: map[string]string{SecretKeyWebhook: secret},
	}); err != nil {
		return providers.Failed(tmerrors.NewUpstream("kubernetes", "write webhook secret", err))
	}
	return providers.Ok(nil)
}

func (c *CIDeploy) webhookSecret(ctx context.Context, namespace, name string) (string, error) {
	s := &corev1.Secret{}
	if err := c.Client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, s); err != nil {
		if apierrors.IsNotFound(err) {
			return "", tmerrors.NewNotFound("secret", name)
		}
		return "", err
	}
	return string(s.Data[SecretKeyWebhook]), nil
}

// WebhookSecret returns the tenant webhook secret for display to the owner.
func (c *CIDeploy) WebhookSecret(ctx context.Context, t *tenantv1alpha1.Tenant) (string, error) {
	st := t.Feature(tenantv1alpha1.FeatureCIDeploy)
	if st.Phase != tenantv1alpha1.FeatureEnabled {
		return "", tmerrors.NewConflict("feature", string(tenantv1alpha1.FeatureCIDeploy), "is not enabled")
	}
	return c.webhookSecret(ctx, t.Slug, st.Field(FieldCISecret))
}

// Trigger verifies a webhook body against the tenant secret and dispatches
// the workflow. ref defaults to the configured branch.
func (c *CIDeploy) Trigger(ctx context.Context, t *tenantv1alpha1.Tenant, body []byte, signature, ref, image string) error {
	secret, err := c.WebhookSecret(ctx, t)
	if err != nil {
		return err
	}
	if !ci.Verify(body, signature, secret) {
		return ErrInvalidSignature
	}

	st := t.Feature(tenantv1alpha1.FeatureCIDeploy)
	if ref == "" {
		ref = st.Field(FieldCIBranch)
	}
	if !branchPattern.MatchString(ref) {
		return tmerrors.NewValidation("ref", "%q is not a valid ref", ref)
	}
	res := c.API.Dispatch(ctx, st.Field(FieldCIRepo), st.Field(FieldCIWorkflow), ref, image)
	if res.Outcome == providers.OutcomeNotFound {
		return tmerrors.NewNotFound("workflow", st.Field(FieldCIWorkflow))
	}
	if res.IsFailed() {
		return res.Err
	}
	return nil
}

// PurgeSteps removes the webhook secret. The repository is not touched.
func (c *CIDeploy) PurgeSteps(t *tenantv1alpha1.Tenant, fields map[string]string) []Step {
	name := fields[FieldCISecret]
	if name == "" {
		return nil
	}
	return []Step{{Name: "delete secret " + name, Run: func(ctx context.Context) providers.Result {
		return deleteObject(ctx, c.Applier, &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Namespace: t.Slug, Name: name}})
	}}}
}
