package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/ctxh-api/internal/models"
	"github.com/noah-isme/ctxh-api/internal/service"
	appErrors "github.com/noah-isme/ctxh-api/pkg/errors"
	"github.com/noah-isme/ctxh-api/pkg/response"
)

var errForbiddenEnrollment = appErrors.Clone(appErrors.ErrForbidden, "enrollment belongs to another student")

type enrollmentService interface {
	Enroll(ctx context.Context, req service.EnrollRequest) (*models.Enrollment, error)
	Get(ctx context.Context, id string) (*models.Enrollment, error)
	Approve(ctx context.Context, enrollmentID, approverID string) (*models.Enrollment, error)
	Reject(ctx context.Context, enrollmentID, rejecterID string) (*models.Enrollment, error)
	Cancel(ctx context.Context, studentID, enrollmentID string) (*models.Enrollment, error)
}

type completionService interface {
	Finalize(ctx context.Context, enrollmentID string) (*service.CompletionResult, error)
}

// EnrollmentHandler exposes enrollment endpoints.
type EnrollmentHandler struct {
	enrollments enrollmentService
	completion  completionService
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments enrollmentService, completion completionService) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments, completion: completion}
}

// Create godoc
// @Summary Enroll in an activity
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body service.EnrollRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Create(c *gin.Context) {
	student, authed := actorID(c)
	if !authed {
		return
	}
	var req service.EnrollRequest
	if !bindJSON(c, &req) {
		return
	}
	req.StudentID = student
	enrollment, err := h.enrollments.Enroll(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, enrollment)
}

// Get godoc
// @Summary Get enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	enrollment, err := h.enrollments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if claims := claimsFromContext(c); claims != nil && claims.Role == models.RoleStudent && claims.UserID != enrollment.StudentID {
		response.Error(c, errForbiddenEnrollment)
		return
	}
	respondOK(c, enrollment)
}

// Approve godoc
// @Summary Approve enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/approve [post]
func (h *EnrollmentHandler) Approve(c *gin.Context) {
	h.decide(c, h.enrollments.Approve)
}

// Reject godoc
// @Summary Reject enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/reject [post]
func (h *EnrollmentHandler) Reject(c *gin.Context) {
	h.decide(c, h.enrollments.Reject)
}

func (h *EnrollmentHandler) decide(c *gin.Context, fn func(ctx context.Context, enrollmentID, actorID string) (*models.Enrollment, error)) {
	actor, authed := actorID(c)
	if !authed {
		return
	}
	enrollment, err := fn(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	respondOK(c, enrollment)
}

// Cancel godoc
// @Summary Cancel own enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/cancel [post]
func (h *EnrollmentHandler) Cancel(c *gin.Context) {
	student, authed := actorID(c)
	if !authed {
		return
	}
	enrollment, err := h.enrollments.Cancel(c.Request.Context(), student, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	respondOK(c, enrollment)
}

// Finalize godoc
// @Summary Complete enrollment and issue certificate
// @Description Requires a present attendance with check-in and check-out. Safe to call again.
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/finalize [post]
func (h *EnrollmentHandler) Finalize(c *gin.Context) {
	result, err := h.completion.Finalize(c.Request.Context(), c.Param("id"))
	if err != nil {
		if result != nil && result.Enrollment != nil {
			// Completion committed; only issuance failed and has been queued.
			response.JSON(c, http.StatusAccepted, result, nil, map[string]interface{}{"certificate_error": err.Error()})
			return
		}
		response.Error(c, err)
		return
	}
	respondOK(c, result)
}
