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
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	"github.com/amartyaa/tenant-master/controlplane/internal/config"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/kube"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers/postgres"
	"github.com/amartyaa/tenant-master/controlplane/internal/templates"
)

// Database feature fields.
const (
	FieldDatabaseName   = "name"
	FieldDatabaseUser   = "user"
	FieldDatabaseSecret = "secret"

	// SecretKeyPassword holds the role password in the credentials secret.
	SecretKeyPassword = "PGPASSWORD"
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// DatabaseAdmin is the administrative database contract.
type DatabaseAdmin interface {
	EnsureRole(ctx context.Context, role, password string) providers.Result
	EnsureDatabase(ctx context.Context, database, owner string) providers.Result
	Isolate(ctx context.Context, database, owner string) providers.Result
	SetLogin(ctx context.Context, role string, enabled bool) providers.Result
	TerminateConnections(ctx context.Context, database string) providers.Result
	DropDatabase(ctx context.Context, database string) providers.Result
	DropRole(ctx context.Context, role string) providers.Result
}

// Database provisions one isolated database and login role per tenant. The
// role password lives only in the tenant credentials secret.
type Database struct {
	Admin    DatabaseAdmin
	Client   client.Client
	Applier  *kube.Applier
	Postgres config.Postgres
}

func (d *Database) Feature() tenantv1alpha1.FeatureName { return tenantv1alpha1.FeatureDatabase }

// DatabaseIdentifier derives the default database and role name for slug.
func DatabaseIdentifier(slug string) string {
	return strings.ReplaceAll(slug, "-", "_")
}

func (d *Database) Configure(t *tenantv1alpha1.Tenant, input map[string]string) (map[string]string, error) {
	name := input[FieldDatabaseName]
	if name == "" {
		name = DatabaseIdentifier(t.Slug)
	}
	user := input[FieldDatabaseUser]
	if user == "" {
		user = name
	}
	for field, v := range map[string]string{FieldDatabaseName: name, FieldDatabaseUser: user} {
		if !identPattern.MatchString(v) {
			return nil, tmerrors.NewValidation("database."+field, "%q must match %s", v, identPattern)
		}
	}
	if strings.HasPrefix(user, "pg_") {
		return nil, tmerrors.NewValidation("database.user", "the pg_ prefix is reserved")
	}
	return map[string]string{
		FieldDatabaseName:   name,
		FieldDatabaseUser:   user,
		FieldDatabaseSecret: t.Slug + "-db",
	}, nil
}

// password returns the stored password or a new one.
func (d *Database) password(ctx context.Context, namespace, secret string) (string, error) {
	s := &corev1.Secret{}
	err := d.Client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: secret}, s)
	if err == nil && len(s.Data[SecretKeyPassword]) > 0 {
		return string(s.Data[SecretKeyPassword]), nil
	}
	if err != nil && !apierrors.IsNotFound(err) {
		return "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (d *Database) Ensure(ctx context.Context, t *tenantv1alpha1.Tenant, fields map[string]string) providers.Result {
	name, user, secret := fields[FieldDatabaseName], fields[FieldDatabaseUser], fields[FieldDatabaseSecret]

	password, err := d.password(ctx, t.Slug, secret)
	if err != nil {
		return providers.Failed(tmerrors.NewUpstream("kubernetes", "read database credentials", err))
	}
	// Credentials are written first so the password is never lost.
	if _, err := d.Applier.UpsertSecret(ctx, &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      secret,
			Namespace: t.Slug,
			Labels:    templates.Labels(t.Slug, "database"),
		},
		Type: corev1.SecretTypeOpaque,
		StringData: map[string]string{
			"DATABASE_URL":    postgres.DSNFor(d.Postgres, name, user, password),
			"PGHOST":          d.Postgres.Host,
			"PGPORT":          strconv.Itoa(d.Postgres.Port),
			"PGDATABASE":      name,
			"PGUSER":          user,
			SecretKeyPassword: password,
		},
	}); err != nil {
		return providers.Failed(tmerrors.NewUpstream("kubernetes", "write database credentials", err))
	}

	role := d.Admin.EnsureRole(ctx, user, password)
	if !role.EnsureOK() {
		return role
	}
	if res := d.Admin.EnsureDatabase(ctx, name, user); !res.EnsureOK() {
		return res
	}
	if res := d.Admin.Isolate(ctx, name, user); res.IsFailed() {
		return res
	}
	return providers.Ok(nil)
}

// Disable blocks new logins and closes open sessions.
func (d *Database) Disable(ctx context.Context, _ *tenantv1alpha1.Tenant, fields map[string]string) providers.Result {
	if res := d.Admin.SetLogin(ctx, fields[FieldDatabaseUser], false); res.IsFailed() {
		return res
	}
	return d.Admin.TerminateConnections(ctx, fields[FieldDatabaseName])
}

func (d *Database) PurgeSteps(t *tenantv1alpha1.Tenant, fields map[string]string) []Step {
	name, user, secret := fields[FieldDatabaseName], fields[FieldDatabaseUser], fields[FieldDatabaseSecret]
	steps := []Step{}
	if name != "" {
		steps = append(steps,
			Step{Name: "terminate connections", Run: func(ctx context.Context) providers.Result {
				return d.Admin.TerminateConnections(ctx, name)
			}},
			Step{Name: "drop database " + name, Run: func(ctx context.Context) providers.Result {
				return d.Admin.DropDatabase(ctx, name)
			}},
		)
	}
	if user != "" {
		steps = append(steps, Step{Name: "drop role " + user, Run: func(ctx context.Context) providers.Result {
			return d.Admin.DropRole(ctx, user)
		}})
	}
	if secret != "" {
		steps = append(steps, Step{Name: "delete secret " + secret, Run: func(ctx context.Context) providers.Result {
			return deleteObject(ctx, d.Applier, &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Namespace: t.Slug, Name: secret}})
		}})
	}
	return steps
}

// deleteObject removes obj through the applier. A missing object reports
// NotFound.
func deleteObject(ctx context.Context, a *kube.Applier, obj client.Object) providers.Result {
	err := a.Client.Delete(ctx, obj)
	switch {
	case err == nil:
		return providers.Ok(nil)
	case apierrors.IsNotFound(err):
		return providers.NotFound(obj.GetName())
	default:
		return providers.Failed(tmerrors.NewUpstream("kubernetes", "delete "+obj.GetName(), err))
	}
}

var _ Disabler = (*Database)(nil)
