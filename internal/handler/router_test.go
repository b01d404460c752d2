package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/ctxh-api/internal/models"
	"github.com/noah-isme/ctxh-api/internal/service"
	appErrors "github.com/noah-isme/ctxh-api/pkg/errors"
)

type testEnvelope struct {
	Data  json.RawMessage        `json:"data"`
	Error *appErrors.Error       `json:"error"`
	Meta  map[string]interface{} `json:"meta"`
}

type tokenTable map[string]*models.JWTClaims

func (t tokenTable) ValidateToken(token string) (*models.JWTClaims, error) {
	if claims, ok := t[token]; ok {
		return claims, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
}

var testTokens = tokenTable{
	"student":   {UserID: "s1", Role: models.RoleStudent},
	"student2":  {UserID: "s2", Role: models.RoleStudent},
	"organizer": {UserID: "o1", Role: models.RoleOrganizer, OrganizationID: "org-1"},
}

type fakeActivityService struct {
	lastCreate service.CreateActivityRequest
	closedBy   string
}

func (f *fakeActivityService) Create(ctx context.Context, req service.CreateActivityRequest) (*models.Activity, error) {
	f.lastCreate = req
	return &models.Activity{ID: "act-1", OrganizationID: req.OrganizationID, Title: req.Title, MaxParticipants: req.MaxParticipants, Status: models.ActivityStatusOpen}, nil
}

func (f *fakeActivityService) Get(ctx context.Context, id string) (*models.Activity, error) {
	if id != "act-1" {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "activity not found")
	}
	return &models.Activity{ID: id, MaxParticipants: 10, ApprovedParticipants: 3, PendingParticipants: 2, Status: models.ActivityStatusOpen}, nil
}

func (f *fakeActivityService) Close(ctx context.Context, id, actorID string) (*models.Activity, error) {
	f.closedBy = actorID
	return &models.Activity{ID: id, IsClosed: true, Status: models.ActivityStatusClosed}, nil
}

func (f *fakeActivityService) IssueQR(ctx context.Context, id string) (*service.QRCode, error) {
	return &service.QRCode{ActivityID: id, Token: "qr-token", ExpiresAt: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}, nil
}

type fakeEnrollmentService struct {
	lastEnroll service.EnrollRequest
	decidedBy  string
	err        error
}

func (f *fakeEnrollmentService) Enroll(ctx context.Context, req service.EnrollRequest) (*models.Enrollment, error) {
	f.lastEnroll = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.Enrollment{ID: "enr-1", StudentID: req.StudentID, ActivityID: req.ActivityID, Status: models.EnrollmentStatusPending}, nil
}

func (f *fakeEnrollmentService) Get(ctx context.Context, id string) (*models.Enrollment, error) {
	return &models.Enrollment{ID: id, StudentID: "s1", ActivityID: "act-1", Status: models.EnrollmentStatusPending}, nil
}

func (f *fakeEnrollmentService) Approve(ctx context.Context, id, actor string) (*models.Enrollment, error) {
	f.decidedBy = actor
	return &models.Enrollment{ID: id, Status: models.EnrollmentStatusApproved}, nil
}

func (f *fakeEnrollmentService) Reject(ctx context.Context, id, actor string) (*models.Enrollment, error) {
	f.decidedBy = actor
	return &models.Enrollment{ID: id, Status: models.EnrollmentStatusRejected}, nil
}

func (f *fakeEnrollmentService) Cancel(ctx context.Context, studentID, id string) (*models.Enrollment, error) {
	if studentID != "s1" {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "enrollment belongs to another student")
	}
	return &models.Enrollment{ID: id, StudentID: studentID, Status: models.EnrollmentStatusCancelled}, nil
}

func (f *fakeEnrollmentService) ListByActivity(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	return []models.EnrollmentDetail{{Enrollment: models.Enrollment{ID: "enr-1", Status: filter.Status}}}, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: 1}, nil
}

type fakeCompletionService struct {
	result *service.CompletionResult
	err    error
}

func (f *fakeCompletionService) Finalize(ctx context.Context, id string) (*service.CompletionResult, error) {
	return f.result, f.err
}

type fakeAttendanceService struct {
	checkedIn []string
}

func (f *fakeAttendanceService) ResolveQR(token string) (string, error) {
	if token != "qr-token" {
		return "", appErrors.Clone(appErrors.ErrTokenInvalid, "invalid qr code")
	}
	return "act-1", nil
}

func (f *fakeAttendanceService) CheckIn(ctx context.Context, activityID, studentID string) (*models.Attendance, error) {
	f.checkedIn = append(f.checkedIn, activityID+"/"+studentID)
	in := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	return &models.Attendance{ID: "att-1", ActivityID: activityID, StudentID: studentID, CheckInTime: &in, Status: models.AttendanceStatusPresent}, nil
}

func (f *fakeAttendanceService) CheckOut(ctx context.Context, activityID, studentID string) (*models.Attendance, error) {
	in := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	out := in.Add(90 * time.Minute)
	return &models.Attendance{ID: "att-1", ActivityID: activityID, StudentID: studentID, CheckInTime: &in, CheckOutTime: &out, Status: models.AttendanceStatusPresent}, nil
}

func (f *fakeAttendanceService) MarkStatus(ctx context.Context, id string, req service.MarkAttendanceRequest, actor string) (*models.Attendance, error) {
	return &models.Attendance{ID: id, Status: req.Status, MarkedBy: &actor}, nil
}

func (f *fakeAttendanceService) Summary(ctx context.Context, activityID string) (*models.AttendanceSummary, error) {
	return &models.AttendanceSummary{ActivityID: activityID}, nil
}

func (f *fakeAttendanceService) Export(ctx context.Context, activityID string, w io.Writer) error {
	_, err := io.WriteString(w, "student_id,attendance_date\ns1,2024-03-10\n")
	return err
}

type fakeCertificateService struct {
	revoked bool
}

func (f *fakeCertificateService) cert(id string) *models.Certificate {
	return &models.Certificate{ID: id, EnrollmentID: "enr-1", StudentID: "s1", CertificateCode: "CTXH-ABC", IsRevoked: f.revoked}
}

func (f *fakeCertificateService) Issue(ctx context.Context, enrollmentID string) (*models.Certificate, error) {
	return f.cert("cert-1"), nil
}

func (f *fakeCertificateService) Get(ctx context.Context, id string) (*models.Certificate, error) {
	return f.cert(id), nil
}

func (f *fakeCertificateService) Revoke(ctx context.Context, id string, req service.RevokeRequest) (*models.Certificate, error) {
	f.revoked = true
	return f.cert(id), nil
}

func (f *fakeCertificateService) Verify(ctx context.Context, code string) (*models.CertificateVerification, error) {
	return &models.CertificateVerification{CertificateCode: code, Valid: !f.revoked}, nil
}

func (f *fakeCertificateService) DownloadLink(cert *models.Certificate) (string, error) {
	return "http://localhost/api/v1/certificates/download/tok", nil
}

func (f *fakeCertificateService) Download(ctx context.Context, token string) (*service.CertificateDownload, error) {
	if token != "tok" {
		return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "invalid download link")
	}
	return &service.CertificateDownload{Filename: "CTXH-ABC.pdf", Content: io.NopCloser(strings.NewReader("%PDF"))}, nil
}

type routerFixture struct {
	engine       *gin.Engine
	activities   *fakeActivityService
	enrollments  *fakeEnrollmentService
	completion   *fakeCompletionService
	attendance   *fakeAttendanceService
	certificates *fakeCertificateService
}

func newRouterFixture() *routerFixture {
	gin.SetMode(gin.TestMode)
	f := &routerFixture{
		activities:   &fakeActivityService{},
		enrollments:  &fakeEnrollmentService{},
		completion:   &fakeCompletionService{},
		attendance:   &fakeAttendanceService{},
		certificates: &fakeCertificateService{},
	}
	f.engine = gin.New()
	RegisterRoutes(f.engine.Group("/api/v1"), Handlers{
		Activities:   NewActivityHandler(f.activities, f.enrollments, f.attendance),
		Enrollments:  NewEnrollmentHandler(f.enrollments, f.completion),
		Attendance:   NewAttendanceHandler(f.attendance),
		Certificates: NewCertificateHandler(f.certificates),
	}, testTokens)
	return f
}

func (f *routerFixture) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	var env testEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestRoutesRequireAuthentication(t *testing.T) {
	f := newRouterFixture()
	w := f.do(http.MethodGet, "/api/v1/activities/act-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/api/v1/activities/act-1", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestActivityRoutes(t *testing.T) {
	f := newRouterFixture()

	w := f.do(http.MethodPost, "/api/v1/activities", "student", map[string]interface{}{"title": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodPost, "/api/v1/activities", "organizer", map[string]interface{}{"title": "Cleanup", "max_participants": 5, "organization_id": "org-other"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "org-1", f.activities.lastCreate.OrganizationID)

	w = f.do(http.MethodGet, "/api/v1/activities/act-1", "student", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(5), decode(t, w).Meta["remaining_slots"])

	w = f.do(http.MethodGet, "/api/v1/activities/missing", "student", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w).Error.Code)

	w = f.do(http.MethodPost, "/api/v1/activities/act-1/close", "organizer", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "o1", f.activities.closedBy)

	w = f.do(http.MethodGet, "/api/v1/activities/act-1/qr", "organizer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "qr-token")

	w = f.do(http.MethodGet, "/api/v1/activities/act-1/enrollments?status=pending&page=2&limit=5", "organizer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"PENDING"`)
	assert.Contains(t, w.Body.String(), `"page":2`)

	w = f.do(http.MethodGet, "/api/v1/activities/act-1/attendance/export", "organizer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "s1,2024-03-10")
}

func TestEnrollmentRoutes(t *testing.T) {
	f := newRouterFixture()

	w := f.do(http.MethodPost, "/api/v1/enrollments", "student", map[string]string{"activity_id": "act-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "s1", f.enrollments.lastEnroll.StudentID)

	f.enrollments.err = appErrors.Clone(appErrors.ErrCapacityExceeded, "")
	w = f.do(http.MethodPost, "/api/v1/enrollments", "student", map[string]string{"activity_id": "act-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CAPACITY_EXCEEDED", decode(t, w).Error.Code)

	w = f.do(http.MethodPost, "/api/v1/enrollments", "student", "not-an-object")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/enrollments/enr-1/approve", "student", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(http.MethodPost, "/api/v1/enrollments/enr-1/approve", "organizer", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "o1", f.enrollments.decidedBy)

	w = f.do(http.MethodGet, "/api/v1/enrollments/enr-1", "student2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(http.MethodGet, "/api/v1/enrollments/enr-1", "student", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/api/v1/enrollments/enr-1/cancel", "student2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestFinalizeRoute(t *testing.T) {
	f := newRouterFixture()
	f.completion.result = &service.CompletionResult{Enrollment: &models.Enrollment{ID: "enr-1", IsCompleted: true}, HoursCredited: 4}

	w := f.do(http.MethodPost, "/api/v1/enrollments/enr-1/finalize", "organizer", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.completion.err = appErrors.Clone(appErrors.ErrCertificateCodeExhausted, "")
	w = f.do(http.MethodPost, "/api/v1/enrollments/enr-1/finalize", "organizer", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, decode(t, w).Meta["certificate_error"])

	f.completion.result = nil
	f.completion.err = appErrors.Clone(appErrors.ErrAttendanceIncomplete, "")
	w = f.do(http.MethodPost, "/api/v1/enrollments/enr-1/finalize", "organizer", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAttendanceRoutes(t *testing.T) {
	f := newRouterFixture()

	w := f.do(http.MethodPost, "/api/v1/attendance/check-in", "student", map[string]string{"token": "qr-token"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"act-1/s1"}, f.attendance.checkedIn)

	w = f.do(http.MethodPost, "/api/v1/attendance/check-in", "student", map[string]string{"token": "stale"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "TOKEN_INVALID", decode(t, w).Error.Code)

	w = f.do(http.MethodPost, "/api/v1/attendance/check-in", "student", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/attendance/check-out", "student", map[string]string{"token": "qr-token"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duration_minutes":90`)

	w = f.do(http.MethodPatch, "/api/v1/attendance/att-1/status", "organizer", map[string]string{"status": "ABSENT"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"marked_by":"o1"`)
}

func TestCertificateRoutes(t *testing.T) {
	f := newRouterFixture()

	w := f.do(http.MethodPost, "/api/v1/enrollments/enr-1/certificate", "organizer", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	env := decode(t, w)
	assert.Equal(t, true, env.Meta["valid"])
	assert.Equal(t, "http://localhost/api/v1/certificates/download/tok", env.Meta["download_url"])

	w = f.do(http.MethodGet, "/api/v1/certificates/cert-1", "student2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodPost, "/api/v1/certificates/cert-1/revoke", "organizer", map[string]string{"reason": "fraud"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/v1/certificates/cert-1", "student", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env = decode(t, w)
	assert.Equal(t, false, env.Meta["valid"])
	assert.Nil(t, env.Meta["download_url"])

	w = f.do(http.MethodGet, "/api/v1/certificates/verify/CTXH-ABC", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"valid":false`)

	w = f.do(http.MethodGet, "/api/v1/certificates/download/tok", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF", w.Body.String())

	w = f.do(http.MethodGet, "/api/v1/certificates/download/nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewMetricsHandler(service.NewMetricsService(), map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return nil }),
	})
	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", h.Prometheus)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	down := NewMetricsHandler(nil, map[string]Pinger{
		"redis": PingFunc(func(context.Context) error { return appErrors.ErrInternal }),
	})
	r = gin.New()
	r.GET("/ready", down.Ready)
	r.GET("/metrics", down.Prometheus)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
