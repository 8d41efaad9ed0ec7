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

// Package features drives the enable, disable and purge transitions of the
// optional tenant capabilities.
//
// Fields are persisted in the enabling phase, before the provider is called,
// so a purge after a failed or interrupted enable still knows every
// identifier that may exist on the provider side.
package features

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/metrics"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers"
	"github.com/amartyaa/tenant-master/controlplane/internal/state"
)

// Step is one purge action against a provider.
type Step struct {
	Name string
	Run  func(ctx context.Context) providers.Result
}

// Provider adapts one external collaborator to the feature lifecycle.
type Provider interface {
	Feature() tenantv1alpha1.FeatureName

	// Configure validates input against the tenant and returns the complete
	// field set to persist. Input overrides previously stored fields.
	Configure(t *tenantv1alpha1.Tenant, input map[string]string) (map[string]string, error)

	// Ensure creates or re-activates the provider resources. It may return
	// extra fields confirmed by the provider.
	Ensure(ctx context.Context, t *tenantv1alpha1.Tenant, fields map[string]string) providers.Result

	// PurgeSteps lists every removal the feature owns, in order.
	PurgeSteps(t *tenantv1alpha1.Tenant, fields map[string]string) []Step
}

// Disabler is implemented by providers that can pause without deleting.
// Providers without it disable as a state-only transition.
type Disabler interface {
	Disable(ctx context.Context, t *tenantv1alpha1.Tenant, fields map[string]string) providers.Result
}

// StepReport is the outcome of one purge step.
type StepReport struct {
	Name    string `json:"name"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// PurgeReport lists what a purge did.
type PurgeReport struct {
	Feature tenantv1alpha1.FeatureName `json:"feature"`
	Steps   []StepReport               `json:"steps"`
	// Absent names steps whose resource was already gone.
	Absent []string `json:"absent,omitempty"`
}

// Controller runs feature transitions. Callers serialize per tenant.
type Controller struct {
	Store     *state.Store
	Providers map[tenantv1alpha1.FeatureName]Provider
	Log       logr.Logger
}

// NewController returns a Controller for the given providers. Nil providers
// are skipped and their feature reports a configuration error when used.
func NewController(store *state.Store, log logr.Logger, ps ...Provider) *Controller {
	c := &Controller{
		Store:     store,
		Providers: map[tenantv1alpha1.FeatureName]Provider{},
		Log:       log.WithName("features"),
	}
	for _, p := range ps {
		if p != nil {
			c.Providers[p.Feature()] = p
		}
	}
	return c
}

func (c *Controller) provider(name tenantv1alpha1.FeatureName) (Provider, error) {
	if !tenantv1alpha1.IsKnownFeature(name) {
		return nil, tmerrors.NewValidation("feature", "unknown feature %q", name)
	}
	p, ok := c.Providers[name]
	if !ok {
		return nil, tmerrors.NewConfiguration(string(name), "feature provider is not configured")
	}
	return p, nil
}

func phasePatch(name tenantv1alpha1.FeatureName, phase tenantv1alpha1.FeaturePhase, lastError string, fields map[string]*string) state.Patch {
	return state.Patch{Features: map[tenantv1alpha1.FeatureName]state.FeaturePatch{
		name: {Phase: &phase, LastError: &lastError, Fields: fields},
	}}
}

func fieldPatch(fields map[string]string) map[string]*string {
	out := make(map[string]*string, len(fields))
	for k, v := range fields {
		v := v
		out[k] = &v
	}
	return out
}

// Enable validates input, persists the fields and calls the provider. An
// already-existing provider resource counts as success.
func (c *Controller) Enable(ctx context.Context, slug string, name tenantv1alpha1.FeatureName, input map[string]string) (t *tenantv1alpha1.Tenant, err error) {
	defer func() { metrics.RecordFeatureTransition(string(name), "enable", err) }()

	p, err := c.provider(name)
	if err != nil {
		return nil, err
	}
	t, err = c.Store.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	current := t.Feature(name)
	if current.Phase == tenantv1alpha1.FeaturePurging {
		return nil, tmerrors.NewConflict("feature", string(name), "purge has not completed, purge again first")
	}

	merged := map[string]string{}
	for k, v := range current.Fields {
		merged[k] = v
	}
	for k, v := range input {
		merged[k] = v
	}
	fields, err := p.Configure(t, merged)
	if err != nil {
		return nil, err
	}

	log := c.Log.WithValues("tenant", slug, "feature", name)
	t, err = c.Store.Patch(ctx, slug, phasePatch(name, tenantv1alpha1.FeatureEnabling, "", fieldPatch(fields)))
	if err != nil {
		return nil, err
	}

	res := p.Ensure(ctx, t, fields)
	if !res.EnsureOK() {
		ensureErr := res.Err
		if ensureErr == nil {
			ensureErr = tmerrors.NewUpstreamDetail(string(name), "ensure", res.Detail)
		}
		log.Error(ensureErr, "failed to enable feature")
		if _, perr := c.Store.Patch(ctx, slug, phasePatch(name, tenantv1alpha1.FeatureDisabled, ensureErr.Error(), nil)); perr != nil {
			log.Error(perr, "failed to record enable failure")
		}
		return nil, fmt.Errorf("enable %s: %w", name, ensureErr)
	}

	t, err = c.Store.Patch(ctx, slug, phasePatch(name, tenantv1alpha1.FeatureEnabled, "", fieldPatch(res.Fields)))
	if err != nil {
		return nil, err
	}
	log.Info("feature enabled", "outcome", res.Outcome.String())
	return t, nil
}

// Disable pauses the feature, keeping its fields for a later enable or
// purge. Disabling a disabled feature is a no-op.
func (c *Controller) Disable(ctx context.Context, slug string, name tenantv1alpha1.FeatureName) (t *tenantv1alpha1.Tenant, err error) {
	defer func() { metrics.RecordFeatureTransition(string(name), "disable", err) }()

	p, err := c.provider(name)
	if err != nil {
		return nil, err
	}
	t, err = c.Store.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	current := t.Feature(name)
	switch current.Phase {
	case tenantv1alpha1.FeatureDisabled:
		return t, nil
	case tenantv1alpha1.FeaturePurging:
		return nil, tmerrors.NewConflict("feature", string(name), "purge has not completed, purge again first")
	}

	log := c.Log.WithValues("tenant", slug, "feature", name)
	t, err = c.Store.Patch(ctx, slug, phasePatch(name, tenantv1alpha1.FeatureDisabling, "", nil))
	if err != nil {
		return nil, err
	}

	res := providers.Ok(nil)
	if d, ok := p.(Disabler); ok {
		res = d.Disable(ctx, t, current.Fields)
	}
	if res.IsFailed() {
		log.Error(res.Err, "failed to disable feature")
		if _, perr := c.Store.Patch(ctx, slug, phasePatch(name, tenantv1alpha1.FeatureEnabled, res.Err.Error(), nil)); perr != nil {
			log.Error(perr, "failed to record disable failure")
		}
		return nil, fmt.Errorf("disable %s: %w", name, res.Err)
	}

	t, err = c.Store.Patch(ctx, slug, phasePatch(name, tenantv1alpha1.FeatureDisabled, "", nil))
	if err != nil {
		return nil, err
	}
	log.Info("feature disabled")
	return t, nil
}

// Purge removes every provider resource of the feature. All steps run even
// when earlier ones fail; failures are aggregated. A missing resource is a
// successful step. On success the feature is disabled with no fields; on
// failure it stays in the purging phase so the purge can be repeated.
func (c *Controller) Purge(ctx context.Context, slug string, name tenantv1alpha1.FeatureName) (report *PurgeReport, err error) {
	defer func() { metrics.RecordFeatureTransition(string(name), "purge", err) }()

	p, err := c.provider(name)
	if err != nil {
		return nil, err
	}
	t, err := c.Store.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	return c.purge(ctx, t, p)
}

func (c *Controller) purge(ctx context.Context, t *tenantv1alpha1.Tenant, p Provider) (*PurgeReport, error) {
	name := p.Feature()
	report := &PurgeReport{Feature: name, Steps: []StepReport{}}
	current := t.Feature(name)
	if current.Phase == tenantv1alpha1.FeatureDisabled && len(current.Fields) == 0 {
		return report, nil
	}

	log := c.Log.WithValues("tenant", t.Slug, "feature", name)
	if _, err := c.Store.Patch(ctx, t.Slug, phasePatch(name, tenantv1alpha1.FeaturePurging, "", nil)); err != nil {
		return nil, err
	}

	var errs error
	for _, step := range p.PurgeSteps(t, current.Fields) {
		res := step.Run(ctx)
		report.Steps = append(report.Steps, StepReport{Name: step.Name, Outcome: res.Outcome.String(), Detail: res.Detail})
		switch {
		case res.Outcome == providers.OutcomeNotFound:
			report.Absent = append(report.Absent, step.Name)
			log.V(1).Info("purge step found nothing to remove", "step", step.Name)
		case res.IsFailed():
			log.Error(res.Err, "purge step failed", "step", step.Name)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", step.Name, res.Err))
		}
	}

	if errs != nil {
		if _, perr := c.Store.Patch(ctx, t.Slug, state.Patch{Features: map[tenantv1alpha1.FeatureName]state.FeaturePatch{
			name: {LastError: ptrTo(errs.Error())},
		}}); perr != nil {
			log.Error(perr, "failed to record purge failure")
		}
		return report, fmt.Errorf("purge %s: %w", name, errs)
	}

	cleared := make(map[string]*string, len(current.Fields))
	for k := range current.Fields {
		cleared[k] = nil
	}
	if _, err := c.Store.Patch(ctx, t.Slug, phasePatch(name, tenantv1alpha1.FeatureDisabled, "", cleared)); err != nil {
		return report, err
	}
	log.Info("feature purged", "absent", len(report.Absent))
	return report, nil
}

// PurgeAll purges every feature holding state, in teardown order, and
// aggregates the failures.
func (c *Controller) PurgeAll(ctx context.Context, slug string) ([]PurgeReport, error) {
	t, err := c.Store.Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	var reports []PurgeReport
	var errs error
	for _, name := range tenantv1alpha1.AllFeatures() {
		st := t.Feature(name)
		if st.Phase == tenantv1alpha1.FeatureDisabled && len(st.Fields) == 0 {
			continue
		}
		p, err := c.provider(name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		report, err := c.purge(ctx, t, p)
		metrics.RecordFeatureTransition(string(name), "purge", err)
		if report != nil {
			reports = append(reports, *report)
		}
		errs = multierr.Append(errs, err)
	}
	return reports, errs
}

func ptrTo[T any](v T) *T { return &v }
