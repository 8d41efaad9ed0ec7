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

// Package postgres administers tenant databases and roles over a pooled
// administrative connection.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amartyaa/tenant-master/controlplane/internal/config"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
)

// SQLSTATE codes mapped to idempotent outcomes.
const (
	codeDuplicateObject   = "42710"
	codeDuplicateDatabase = "42P04"
	codeInvalidCatalog    = "3D000"
	codeUndefinedObject   = "42704"
)

// NewPool creates a pgxpool connection pool from a config.Postgres struct.
// No connection is opened until first use.
func NewPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return pool, nil
}

// IsConnectionError reports whether err is a connection-class failure worth
// retrying. Query errors reported by the server are never retried.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 (connection exception) and 57P0x (operator intervention).
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	return tmerrors.IsTransientConnection(err)
}

// retry runs op with exponential backoff while it fails with a connection
// error, up to maxTries attempts.
func retry[T any](ctx context.Context, log logr.Logger, maxTries uint, maxDelay time.Duration, op func() (T, error)) (T, error) {
	if maxTries < 1 {
		maxTries = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	if maxDelay > 0 {
		b.MaxInterval = maxDelay
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsConnectionError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Info("postgres connection failed, retrying", "error", err.Error(), "in", next.String())
		}),
	)
}

// DSNFor renders a connection URL for a tenant role against the configured
// service host.
func DSNFor(cfg config.Postgres, database, user, password string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/" + database,
	}
	return u.String()
}

// AdminDSNFor returns the admin DSN pointed at database. Both URL and
// keyword/value DSNs are supported.
func AdminDSNFor(adminDSN, database string) (string, error) {
	if strings.HasPrefix(adminDSN, "postgres://") || strings.HasPrefix(adminDSN, "postgresql://") {
		u, err := url.Parse(adminDSN)
		if err != nil {
			return "", fmt.Errorf("parse dsn: %w", err)
		}
		u.Path = "/" + database
		return u.String(), nil
	}
	// Later keywords win in keyword/value form.
	return strings.TrimSpace(adminDSN) + " dbname='" + strings.ReplaceAll(database, "'", `\'`) + "'", nil
}

// quoteIdent quotes a SQL identifier.
func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// quoteLiteral quotes a SQL string literal for utility statements that do
// not accept bind parameters.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
