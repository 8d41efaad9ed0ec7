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

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amartyaa/tenant-master/controlplane/internal/config"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers"
)

// Admin runs administrative statements for tenant databases.
type Admin struct {
	pool *pgxpool.Pool
	cfg  config.Postgres
	log  logr.Logger
}

// NewAdmin builds an Admin over a lazily connected pool.
func NewAdmin(ctx context.Context, cfg config.Postgres, log logr.Logger) (*Admin, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, tmerrors.NewConfiguration("postgres.dsn", err.Error())
	}
	return &Admin{pool: pool, cfg: cfg, log: log.WithName("postgres")}, nil
}

// Close releases pooled connections.
func (a *Admin) Close() {
	a.pool.Close()
}

// Config returns the connection settings.
func (a *Admin) Config() config.Postgres {
	return a.cfg
}

func (a *Admin) exec(ctx context.Context, op, sql string, args ...any) providers.Result {
	_, err := retry(ctx, a.log, a.cfg.ConnectRetries, a.cfg.RetryMaxDelay, func() (pgconn.CommandTag, error) {
		return a.pool.Exec(ctx, sql, args...)
	})
	return classify(op, err)
}

// classify maps a statement error onto a provider Result using SQLSTATE.
func classify(op string, err error) providers.Result {
	if err == nil {
		return providers.Ok(nil)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeDuplicateObject, codeDuplicateDatabase:
			return providers.AlreadyExists(pgErr.Message)
		case codeInvalidCatalog, codeUndefinedObject:
			return providers.NotFound(pgErr.Message)
		}
	}
	return providers.Failed(tmerrors.NewUpstream("postgres", op, err))
}

// EnsureRole creates a login role, or resets the password of an existing one.
func (a *Admin) EnsureRole(ctx context.Context, role, password string) providers.Result {
	res := a.exec(ctx, "create role",
		fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD %s", quoteIdent(role), quoteLiteral(password)))
	if res.Outcome != providers.OutcomeAlreadyExists {
		return res
	}
	if alt := a.exec(ctx, "alter role",
		fmt.Sprintf("ALTER ROLE %s LOGIN PASSWORD %s", quoteIdent(role), quoteLiteral(password))); alt.IsFailed() {
		return alt
	}
	return res
}

// EnsureDatabase creates a database owned by role.
func (a *Admin) EnsureDatabase(ctx context.Context, database, owner string) providers.Result {
	return a.exec(ctx, "create database",
		fmt.Sprintf("CREATE DATABASE %s OWNER %s", quoteIdent(database), quoteIdent(owner)))
}

// Isolate restricts database access to its owner. It revokes PUBLIC connect
// on the database and PUBLIC create on its public schema.
func (a *Admin) Isolate(ctx context.Context, database, owner string) providers.Result {
	db, role := quoteIdent(database), quoteIdent(owner)
	for _, stmt := range []string{
		fmt.Sprintf("REVOKE CONNECT ON DATABASE %s FROM PUBLIC", db),
		fmt.Sprintf("GRANT CONNECT ON DATABASE %s TO %s", db, role),
	} {
		if res := a.exec(ctx, "isolate database", stmt); res.IsFailed() || res.Outcome == providers.OutcomeNotFound {
			return res
		}
	}

	dsn, err := AdminDSNFor(a.cfg.DSN, database)
	if err != nil {
		return providers.Failed(tmerrors.NewConfiguration("postgres.dsn", err.Error()))
	}
	_, err = retry(ctx, a.log, a.cfg.ConnectRetries, a.cfg.RetryMaxDelay, func() (struct{}, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return struct{}{}, err
		}
		defer conn.Close(context.WithoutCancel(ctx))
		batch := &pgx.Batch{}
		batch.Queue("REVOKE CREATE ON SCHEMA public FROM PUBLIC")
		batch.Queue(fmt.Sprintf("GRANT ALL ON SCHEMA public TO %s", role))
		return struct{}{}, conn.SendBatch(ctx, batch).Close()
	})
	return classify("isolate schema", err)
}

// SetLogin enables or disables login for role.
func (a *Admin) SetLogin(ctx context.Context, role string, enabled bool) providers.Result {
	attr := "NOLOGIN"
	if enabled {
		attr = "LOGIN"
	}
	return a.exec(ctx, "alter role", fmt.Sprintf("ALTER ROLE %s %s", quoteIdent(role), attr))
}

// TerminateConnections closes every session connected to database.
func (a *Admin) TerminateConnections(ctx context.Context, database string) providers.Result {
	return a.exec(ctx, "terminate connections",
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()",
		database)
}

// DropDatabase drops database. A missing database reports NotFound.
func (a *Admin) DropDatabase(ctx context.Context, database string) providers.Result {
	return a.exec(ctx, "drop database", fmt.Sprintf("DROP DATABASE %s", quoteIdent(database)))
}

// DropRole drops role. A missing role reports NotFound.
func (a *Admin) DropRole(ctx context.Context, role string) providers.Result {
	return a.exec(ctx, "drop role", fmt.Sprintf("DROP ROLE %s", quoteIdent(role)))
}
