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

// Package api exposes the tenant lifecycle over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	"github.com/amartyaa/tenant-master/controlplane/internal/backup"
	"github.com/amartyaa/tenant-master/controlplane/internal/controller"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/features"
)

// Lifecycle is the set of tenant operations served by the API.
type Lifecycle interface {
	Create(ctx context.Context, req tenantv1alpha1.CreateRequest) (*tenantv1alpha1.Tenant, error)
	Get(ctx context.Context, slug string) (*tenantv1alpha1.Tenant, error)
	List(ctx context.Context) ([]*tenantv1alpha1.Tenant, error)
	Deploy(ctx context.Context, slug string, req tenantv1alpha1.DeployRequest) (*tenantv1alpha1.Tenant, error)
	Resize(ctx context.Context, slug string, req tenantv1alpha1.ResizeRequest) (*tenantv1alpha1.Tenant, error)
	SetTLS(ctx context.Context, slug string, req tenantv1alpha1.TLSRequest) (*tenantv1alpha1.Tenant, error)
	Suspend(ctx context.Context, slug string) (*tenantv1alpha1.Tenant, error)
	Resume(ctx context.Context, slug string) (*tenantv1alpha1.Tenant, error)
	Delete(ctx context.Context, slug string) (*controller.DeleteResult, error)
	Purge(ctx context.Context, slug string) (*controller.DeleteResult, error)

	EnableFeature(ctx context.Context, slug string, name tenantv1alpha1.FeatureName, input map[string]string) (*tenantv1alpha1.Tenant, error)
	DisableFeature(ctx context.Context, slug string, name tenantv1alpha1.FeatureName) (*tenantv1alpha1.Tenant, error)
	PurgeFeature(ctx context.Context, slug string, name tenantv1alpha1.FeatureName) (*features.PurgeReport, error)

	ListSnapshots(ctx context.Context, slug string, k backup.Kind) ([]backup.Snapshot, error)
	BackupNow(ctx context.Context, slug string) (*backup.Result, error)
	RestoreFiles(ctx context.Context, slug string, req tenantv1alpha1.RestoreRequest) (*backup.Run, error)
	RestoreDatabase(ctx context.Context, slug string, req tenantv1alpha1.RestoreRequest) (backup.Snapshot, error)

	WebhookSecret(ctx context.Context, slug string) (string, error)
	TriggerDeploy(ctx context.Context, slug string, body []byte, signature, ref, image string) error
}

// Server serves the API. It is a manager runnable.
type Server struct {
	Addr      string
	Lifecycle Lifecycle
	Log       logr.Logger

	// MaxWebhookBytes bounds CI webhook bodies.
	MaxWebhookBytes int64
}

// Start listens until ctx is done, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info("starting API server", "addr", s.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Log.Info("shutting down API server")
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router builds the gin engine with every route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.GET("/tenants", s.listTenants)
	v1.POST("/tenants", s.createTenant)

	t := v1.Group("/tenants/:slug")
	t.GET("", s.getTenant)
	t.DELETE("", s.deleteTenant)
	t.POST("/deploy", s.deploy)
	t.PUT("/resources", s.resize)
	t.PUT("/tls", s.setTLS)
	t.POST("/suspend", s.suspend)
	t.POST("/resume", s.resume)

	t.PUT("/features/:feature", s.enableFeature)
	t.POST("/features/:feature/disable", s.disableFeature)
	t.DELETE("/features/:feature", s.purgeFeature)
	t.GET("/features/cideploy/secret", s.webhookSecret)

	t.GET("/backups/:kind", s.listSnapshots)
	t.POST("/backups", s.backupNow)
	t.POST("/restore/files", s.restoreFiles)
	t.POST("/restore/database", s.restoreDatabase)

	r.POST("/hooks/ci/:slug", s.ciWebhook)
	return r
}

// requestLogger logs every request through logr.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Log.V(1).Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
		)
	}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, features.ErrInvalidSignature):
		return http.StatusUnauthorized
	case tmerrors.IsValidation(err):
		return http.StatusBadRequest
	case tmerrors.IsNotFound(err):
		return http.StatusNotFound
	case tmerrors.IsConflict(err):
		return http.StatusConflict
	case tmerrors.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case tmerrors.IsUpstream(err):
		return http.StatusBadGateway
	case tmerrors.IsConfiguration(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err. Unclassified errors are logged and reported generically.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Retryable: tmerrors.IsRetryable(err)}
	var ve *tmerrors.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	if status == http.StatusInternalServerError {
		s.Log.Error(err, "request failed", "method", c.Request.Method, "path", c.FullPath())
		resp.Error = "internal error"
	}
	c.AbortWithStatusJSON(status, resp)
}

// bind decodes a JSON body into into. An empty body leaves into untouched.
func (s *Server) bind(c *gin.Context, into any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(into); err != nil {
		s.fail(c, tmerrors.NewValidation("body", "%s", err.Error()))
		return false
	}
	return true
}
