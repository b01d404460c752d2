package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/ctxh-api/internal/models"
	"github.com/noah-isme/ctxh-api/internal/service"
	"github.com/noah-isme/ctxh-api/pkg/response"
)

type certificateService interface {
	Issue(ctx context.Context, enrollmentID string) (*models.Certificate, error)
	Get(ctx context.Context, id string) (*models.Certificate, error)
	Revoke(ctx context.Context, certificateID string, req service.RevokeRequest) (*models.Certificate, error)
	Verify(ctx context.Context, code string) (*models.CertificateVerification, error)
	DownloadLink(cert *models.Certificate) (string, error)
	Download(ctx context.Context, token string) (*service.CertificateDownload, error)
}

// CertificateHandler exposes certificate endpoints.
type CertificateHandler struct {
	certificates certificateService
}

// NewCertificateHandler constructs CertificateHandler.
func NewCertificateHandler(certificates certificateService) *CertificateHandler {
	return &CertificateHandler{certificates: certificates}
}

func (h *CertificateHandler) withLink(c *gin.Context, status int, cert *models.Certificate) {
	meta := map[string]interface{}{"valid": cert.IsValid()}
	if cert.IsValid() {
		if link, err := h.certificates.DownloadLink(cert); err == nil {
			meta["download_url"] = link
		}
	}
	response.JSON(c, status, cert, nil, meta)
}

// Issue godoc
// @Summary Issue certificate for a completed enrollment
// @Tags Certificates
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 201 {object} response.Envelope
// @Router /enrollments/{id}/certificate [post]
func (h *CertificateHandler) Issue(c *gin.Context) {
	cert, err := h.certificates.Issue(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	h.withLink(c, http.StatusCreated, cert)
}

// Get godoc
// @Summary Get certificate
// @Tags Certificates
// @Produce json
// @Param id path string true "Certificate ID"
// @Success 200 {object} response.Envelope
// @Router /certificates/{id} [get]
func (h *CertificateHandler) Get(c *gin.Context) {
	cert, err := h.certificates.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if claims := claimsFromContext(c); claims != nil && claims.Role == models.RoleStudent && claims.UserID != cert.StudentID {
		response.Error(c, errForbiddenEnrollment)
		return
	}
	h.withLink(c, http.StatusOK, cert)
}

// Revoke godoc
// @Summary Revoke certificate
// @Tags Certificates
// @Accept json
// @Produce json
// @Param id path string true "Certificate ID"
// @Param payload body service.RevokeRequest true "Revocation reason"
// @Success 200 {object} response.Envelope
// @Router /certificates/{id}/revoke [post]
func (h *CertificateHandler) Revoke(c *gin.Context) {
	var req service.RevokeRequest
	if !bindJSON(c, &req) {
		return
	}
	cert, err := h.certificates.Revoke(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	respondOK(c, cert)
}

// Verify godoc
// @Summary Verify certificate by code
// @Tags Certificates
// @Produce json
// @Param code path string true "Certificate code"
// @Success 200 {object} response.Envelope
// @Router /certificates/verify/{code} [get]
func (h *CertificateHandler) Verify(c *gin.Context) {
	view, err := h.certificates.Verify(c.Request.Context(), c.Param("code"))
	if err != nil {
		response.Error(c, err)
		return
	}
	respondOK(c, view)
}

// Download godoc
// @Summary Download certificate PDF through a signed link
// @Tags Certificates
// @Produce application/pdf
// @Param token path string true "Signed token"
// @Success 200 {file} file
// @Router /certificates/download/{token} [get]
func (h *CertificateHandler) Download(c *gin.Context) {
	download, err := h.certificates.Download(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.Content.Close()

	c.Header("Content-Type", "application/pdf")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", download.Filename))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, download.Content); err != nil {
		_ = c.Error(err)
	}
}
