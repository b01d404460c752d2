package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/ctxh-api/internal/middleware"
	"github.com/noah-isme/ctxh-api/internal/models"
)

// Handlers groups the API handlers mounted by RegisterRoutes.
type Handlers struct {
	Activities   *ActivityHandler
	Enrollments  *EnrollmentHandler
	Attendance   *AttendanceHandler
	Certificates *CertificateHandler
}

// RegisterRoutes mounts the lifecycle API on api. Verification and signed downloads
// are public; everything else requires a bearer token.
func RegisterRoutes(api *gin.RouterGroup, h Handlers, tokens middleware.TokenValidator) {
	staff := middleware.RequireRoles(models.RoleOrganizer, models.RoleAdmin)
	student := middleware.RequireRoles(models.RoleStudent)
	anyone := middleware.RequireRoles(models.RoleStudent, models.RoleOrganizer, models.RoleAdmin)

	public := api.Group("/certificates")
	public.GET("/verify/:code", h.Certificates.Verify)
	public.GET("/download/:token", h.Certificates.Download)

	secured := api.Group("", middleware.JWT(tokens))

	activities := secured.Group("/activities")
	activities.POST("", staff, h.Activities.Create)
	activities.GET("/:id", anyone, h.Activities.Get)
	activities.POST("/:id/close", staff, h.Activities.Close)
	activities.GET("/:id/qr", staff, h.Activities.QR)
	activities.GET("/:id/enrollments", staff, h.Activities.Enrollments)
	activities.GET("/:id/attendance/summary", staff, h.Activities.AttendanceSummary)
	activities.GET("/:id/attendance/export", staff, h.Activities.AttendanceExport)

	enrollments := secured.Group("/enrollments")
	enrollments.POST("", student, h.Enrollments.Create)
	enrollments.GET("/:id", anyone, h.Enrollments.Get)
	enrollments.POST("/:id/approve", staff, h.Enrollments.Approve)
	enrollments.POST("/:id/reject", staff, h.Enrollments.Reject)
	enrollments.POST("/:id/cancel", student, h.Enrollments.Cancel)
	enrollments.POST("/:id/finalize", staff, h.Enrollments.Finalize)
	enrollments.POST("/:id/certificate", staff, h.Certificates.Issue)

	attendance := secured.Group("/attendance")
	attendance.POST("/check-in", student, h.Attendance.CheckIn)
	attendance.POST("/check-out", student, h.Attendance.CheckOut)
	attendance.PATCH("/:id/status", staff, h.Attendance.MarkStatus)

	certificates := secured.Group("/certificates")
	certificates.GET("/:id", anyone, h.Certificates.Get)
	certificates.POST("/:id/revoke", staff, h.Certificates.Revoke)
}
