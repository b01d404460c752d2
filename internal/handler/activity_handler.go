package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/ctxh-api/internal/models"
	"github.com/noah-isme/ctxh-api/internal/service"
	"github.com/noah-isme/ctxh-api/pkg/response"
)

type activityService interface {
	Create(ctx context.Context, req service.CreateActivityRequest) (*models.Activity, error)
	Get(ctx context.Context, id string) (*models.Activity, error)
	Close(ctx context.Context, id, actorID string) (*models.Activity, error)
	IssueQR(ctx context.Context, id string) (*service.QRCode, error)
}

type enrollmentLister interface {
	ListByActivity(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error)
}

type attendanceReporter interface {
	Summary(ctx context.Context, activityID string) (*models.AttendanceSummary, error)
	Export(ctx context.Context, activityID string, w io.Writer) error
}

// ActivityHandler exposes activity endpoints.
type ActivityHandler struct {
	activities  activityService
	enrollments enrollmentLister
	attendance  attendanceReporter
}

// NewActivityHandler constructs ActivityHandler.
func NewActivityHandler(activities activityService, enrollments enrollmentLister, attendance attendanceReporter) *ActivityHandler {
	return &ActivityHandler{activities: activities, enrollments: enrollments, attendance: attendance}
}

// Create godoc
// @Summary Create activity
// @Tags Activities
// @Accept json
// @Produce json
// @Param payload body service.CreateActivityRequest true "Activity payload"
// @Success 201 {object} response.Envelope
// @Router /activities [post]
func (h *ActivityHandler) Create(c *gin.Context) {
	var req service.CreateActivityRequest
	if !bindJSON(c, &req) {
		return
	}
	if claims := claimsFromContext(c); claims != nil && claims.Role == models.RoleOrganizer && claims.OrganizationID != "" {
		req.OrganizationID = claims.OrganizationID
	}
	activity, err := h.activities.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, activity)
}

// Get godoc
// @Summary Get activity
// @Tags Activities
// @Produce json
// @Param id path string true "Activity ID"
// @Success 200 {object} response.Envelope
// @Router /activities/{id} [get]
func (h *ActivityHandler) Get(c *gin.Context) {
	activity, err := h.activities.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, activity, nil, map[string]interface{}{"remaining_slots": activity.RemainingSlots()})
}

// Close godoc
// @Summary Close activity registration
// @Tags Activities
// @Produce json
// @Param id path string true "Activity ID"
// @Success 200 {object} response.Envelope
// @Router /activities/{id}/close [post]
func (h *ActivityHandler) Close(c *gin.Context) {
	actor, authed := actorID(c)
	if !authed {
		return
	}
	activity, err := h.activities.Close(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	respondOK(c, activity)
}

// QR godoc
// @Summary Issue QR check-in token
// @Tags Activities
// @Produce json
// @Param id path string true "Activity ID"
// @Success 200 {object} response.Envelope
// @Router /activities/{id}/qr [get]
func (h *ActivityHandler) QR(c *gin.Context) {
	code, err := h.activities.IssueQR(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	respondOK(c, code)
}

// Enrollments godoc
// @Summary List enrollments of an activity
// @Tags Activities
// @Produce json
// @Param id path string true "Activity ID"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Param order query string false "asc or desc by applied_at"
// @Success 200 {object} response.Envelope
// @Router /activities/{id}/enrollments [get]
func (h *ActivityHandler) Enrollments(c *gin.Context) {
	filter := models.EnrollmentFilter{
		ActivityID: c.Param("id"),
		Status:     models.EnrollmentStatus(strings.ToUpper(c.Query("status"))),
		Page:       queryInt(c, "page", 1),
		PageSize:   queryInt(c, "limit", 20),
		SortOrder:  c.Query("order"),
	}
	items, pagination, err := h.enrollments.ListByActivity(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// AttendanceSummary godoc
// @Summary Attendance summary of an activity
// @Tags Activities
// @Produce json
// @Param id path string true "Activity ID"
// @Success 200 {object} response.Envelope
// @Router /activities/{id}/attendance/summary [get]
func (h *ActivityHandler) AttendanceSummary(c *gin.Context) {
	summary, err := h.attendance.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	respondOK(c, summary)
}

// AttendanceExport godoc
// @Summary Export attendance as CSV
// @Tags Activities
// @Produce text/csv
// @Param id path string true "Activity ID"
// @Success 200 {file} file
// @Router /activities/{id}/attendance/export [get]
func (h *ActivityHandler) AttendanceExport(c *gin.Context) {
	id := c.Param("id")
	var buf strings.Builder
	if err := h.attendance.Export(c.Request.Context(), id, &buf); err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=attendance-%s.csv", id))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(buf.String()))
}
