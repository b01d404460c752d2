package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/ctxh-api/internal/models"
	"github.com/noah-isme/ctxh-api/internal/service"
	"github.com/noah-isme/ctxh-api/pkg/response"
)

type attendanceService interface {
	ResolveQR(token string) (string, error)
	CheckIn(ctx context.Context, activityID, studentID string) (*models.Attendance, error)
	CheckOut(ctx context.Context, activityID, studentID string) (*models.Attendance, error)
	MarkStatus(ctx context.Context, attendanceID string, req service.MarkAttendanceRequest, actorID string) (*models.Attendance, error)
}

// QRScanRequest carries the token decoded from an activity QR code.
type QRScanRequest struct {
	Token string `json:"token" binding:"required"`
}

type attendanceView struct {
	*models.Attendance
	DurationMinutes *int `json:"duration_minutes,omitempty"`
}

// AttendanceHandler exposes QR check-in/out and organizer overrides.
type AttendanceHandler struct {
	attendance attendanceService
}

// NewAttendanceHandler constructs AttendanceHandler.
func NewAttendanceHandler(attendance attendanceService) *AttendanceHandler {
	return &AttendanceHandler{attendance: attendance}
}

// CheckIn godoc
// @Summary Check in with a QR token
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body QRScanRequest true "QR token"
// @Success 200 {object} response.Envelope
// @Router /attendance/check-in [post]
func (h *AttendanceHandler) CheckIn(c *gin.Context) {
	h.scan(c, h.attendance.CheckIn)
}

// CheckOut godoc
// @Summary Check out with a QR token
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body QRScanRequest true "QR token"
// @Success 200 {object} response.Envelope
// @Router /attendance/check-out [post]
func (h *AttendanceHandler) CheckOut(c *gin.Context) {
	h.scan(c, h.attendance.CheckOut)
}

func (h *AttendanceHandler) scan(c *gin.Context, fn func(ctx context.Context, activityID, studentID string) (*models.Attendance, error)) {
	student, authed := actorID(c)
	if !authed {
		return
	}
	var req QRScanRequest
	if !bindJSON(c, &req) {
		return
	}
	activityID, err := h.attendance.ResolveQR(req.Token)
	if err != nil {
		response.Error(c, err)
		return
	}
	record, err := fn(c.Request.Context(), activityID, student)
	if err != nil {
		response.Error(c, err)
		return
	}
	respondOK(c, attendanceView{Attendance: record, DurationMinutes: record.DurationMinutes()})
}

// MarkStatus godoc
// @Summary Override attendance status
// @Tags Attendance
// @Accept json
// @Produce json
// @Param id path string true "Attendance ID"
// @Param payload body service.MarkAttendanceRequest true "Status payload"
// @Success 200 {object} response.Envelope
// @Router /attendance/{id}/status [patch]
func (h *AttendanceHandler) MarkStatus(c *gin.Context) {
	actor, authed := actorID(c)
	if !authed {
		return
	}
	var req service.MarkAttendanceRequest
	if !bindJSON(c, &req) {
		return
	}
	record, err := h.attendance.MarkStatus(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	respondOK(c, attendanceView{Attendance: record, DurationMinutes: record.DurationMinutes()})
}
