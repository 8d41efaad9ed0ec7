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

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	"github.com/amartyaa/tenant-master/controlplane/internal/backup"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers/ci"
)

const defaultMaxWebhookBytes = 1 << 20

func (s *Server) listTenants(c *gin.Context) {
	tenants, err := s.Lifecycle.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tenants)
}

func (s *Server) createTenant(c *gin.Context) {
	var req tenantv1alpha1.CreateRequest
	if !s.bind(c, &req) {
		return
	}
	t, err := s.Lifecycle.Create(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) getTenant(c *gin.Context) {
	t, err := s.Lifecycle.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// deleteTenant deletes the tenant; ?purge=true also removes its backups.
func (s *Server) deleteTenant(c *gin.Context) {
	purge, _ := strconv.ParseBool(c.Query("purge"))
	op := s.Lifecycle.Delete
	if purge {
		op = s.Lifecycle.Purge
	}
	res, err := op(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) deploy(c *gin.Context) {
	var req tenantv1alpha1.DeployRequest
	if !s.bind(c, &req) {
		return
	}
	t, err := s.Lifecycle.Deploy(c.Request.Context(), c.Param("slug"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) resize(c *gin.Context) {
	var req tenantv1alpha1.ResizeRequest
	if !s.bind(c, &req) {
		return
	}
	t, err := s.Lifecycle.Resize(c.Request.Context(), c.Param("slug"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) setTLS(c *gin.Context) {
	var req tenantv1alpha1.TLSRequest
	if !s.bind(c, &req) {
		return
	}
	t, err := s.Lifecycle.SetTLS(c.Request.Context(), c.Param("slug"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) suspend(c *gin.Context) {
	t, err := s.Lifecycle.Suspend(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) resume(c *gin.Context) {
	t, err := s.Lifecycle.Resume(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) enableFeature(c *gin.Context) {
	input := map[string]string{}
	if !s.bind(c, &input) {
		return
	}
	name := tenantv1alpha1.FeatureName(c.Param("feature"))
	t, err := s.Lifecycle.EnableFeature(c.Request.Context(), c.Param("slug"), name, input)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) disableFeature(c *gin.Context) {
	name := tenantv1alpha1.FeatureName(c.Param("feature"))
	t, err := s.Lifecycle.DisableFeature(c.Request.Context(), c.Param("slug"), name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) purgeFeature(c *gin.Context) {
	name := tenantv1alpha1.FeatureName(c.Param("feature"))
	report, err := s.Lifecycle.PurgeFeature(c.Request.Context(), c.Param("slug"), name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) webhookSecret(c *gin.Context) {
	secret, err := s.Lifecycle.WebhookSecret(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"secret": secret, "header": ci.SignatureHeader})
}

func (s *Server) listSnapshots(c *gin.Context) {
	k, err := backup.ParseKind(c.Param("kind"))
	if err != nil {
		s.fail(c, err)
		return
	}
	snaps, err := s.Lifecycle.ListSnapshots(c.Request.Context(), c.Param("slug"), k)
	if err != nil {
		s.fail(c, err)
		return
	}
	if snaps == nil {
		snaps = []backup.Snapshot{}
	}
	c.JSON(http.StatusOK, snaps)
}

func (s *Server) backupNow(c *gin.Context) {
	res, err := s.Lifecycle.BackupNow(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) restoreFiles(c *gin.Context) {
	var req tenantv1alpha1.RestoreRequest
	if !s.bind(c, &req) {
		return
	}
	run, err := s.Lifecycle.RestoreFiles(c.Request.Context(), c.Param("slug"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) restoreDatabase(c *gin.Context) {
	var req tenantv1alpha1.RestoreRequest
	if !s.bind(c, &req) {
		return
	}
	snap, err := s.Lifecycle.RestoreDatabase(c.Request.Context(), c.Param("slug"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": snap})
}

// ciPayload is the part of a CI webhook body the dispatch needs.
type ciPayload struct {
	Ref   string `json:"ref"`
	Image string `json:"image"`
}

// ciWebhook verifies the HMAC of the raw body and dispatches the deploy
// workflow. The body is read once and verified byte for byte.
func (s *Server) ciWebhook(c *gin.Context) {
	limit := s.MaxWebhookBytes
	if limit <= 0 {
		limit = defaultMaxWebhookBytes
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	if err != nil {
		s.fail(c, tmerrors.NewValidation("body", "unreadable: %s", err.Error()))
		return
	}
	if int64(len(body)) > limit {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "webhook body too large"})
		return
	}

	var p ciPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			s.fail(c, tmerrors.NewValidation("body", "not JSON: %s", err.Error()))
			return
		}
	}
	signature := c.GetHeader(ci.SignatureHeader)
	if err := s.Lifecycle.TriggerDeploy(c.Request.Context(), c.Param("slug"), body, signature, p.Ref, p.Image); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"dispatched": true})
}
