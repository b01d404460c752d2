package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/ctxh-api/internal/models"
	"github.com/noah-isme/ctxh-api/internal/repository"
	"github.com/noah-isme/ctxh-api/pkg/database"
)

// fakeDB is an in-memory stand-in for postgres. Transactions are serialised and
// roll back by restoring a snapshot, which is enough to exercise row locking and
// all-or-nothing commits in the services.
type fakeDB struct {
	txMu sync.Mutex
	mu   sync.Mutex
	seq  int

	activities    map[string]models.Activity
	enrollments   map[string]models.Enrollment
	students      map[string]models.Student
	organizations map[string]models.Organization
	attendances   map[string]models.Attendance
	certificates  map[string]models.Certificate

	txCount int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		activities:    map[string]models.Activity{},
		enrollments:   map[string]models.Enrollment{},
		students:      map[string]models.Student{},
		organizations: map[string]models.Organization{},
		attendances:   map[string]models.Attendance{},
		certificates:  map[string]models.Certificate{},
	}
}

func (db *fakeDB) nextID(prefix string) string {
	db.seq++
	return fmt.Sprintf("%s-%d", prefix, db.seq)
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (db *fakeDB) WithinTx(ctx context.Context, fn database.TxFunc) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	db.mu.Lock()
	db.txCount++
	snapshot := struct {
		activities   map[string]models.Activity
		enrollments  map[string]models.Enrollment
		students     map[string]models.Student
		attendances  map[string]models.Attendance
		certificates map[string]models.Certificate
	}{copyMap(db.activities), copyMap(db.enrollments), copyMap(db.students), copyMap(db.attendances), copyMap(db.certificates)}
	db.mu.Unlock()

	if err := fn(ctx, nil); err != nil {
		db.mu.Lock()
		db.activities = snapshot.activities
		db.enrollments = snapshot.enrollments
		db.students = snapshot.students
		db.attendances = snapshot.attendances
		db.certificates = snapshot.certificates
		db.mu.Unlock()
		return err
	}
	return nil
}

func uniqueViolation(constraint string) error {
	return &pq.Error{Code: "23505", Constraint: constraint}
}

func (db *fakeDB) seedActivity(a models.Activity) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.activities[a.ID] = a
}

func (db *fakeDB) seedStudent(s models.Student) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.students[s.ID] = s
}

func (db *fakeDB) seedEnrollment(e models.Enrollment) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.enrollments[e.ID] = e
}

func (db *fakeDB) seedOrganization(o models.Organization) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.organizations[o.ID] = o
}

func (db *fakeDB) activity(id string) models.Activity {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.activities[id]
}

func (db *fakeDB) enrollment(id string) models.Enrollment {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.enrollments[id]
}

func (db *fakeDB) student(id string) models.Student {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.students[id]
}

type fakeActivities struct{ db *fakeDB }

func (f fakeActivities) Create(ctx context.Context, exec sqlx.ExtContext, a *models.Activity) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if a.ID == "" {
		a.ID = f.db.nextID("act")
	}
	f.db.activities[a.ID] = *a
	return nil
}

func (f fakeActivities) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Activity, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.activities[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &a, nil
}

func (f fakeActivities) GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Activity, error) {
	return f.FindByID(ctx, exec, id)
}

func (f fakeActivities) UpdateState(ctx context.Context, exec sqlx.ExtContext, a *models.Activity) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if _, ok := f.db.activities[a.ID]; !ok {
		return sql.ErrNoRows
	}
	f.db.activities[a.ID] = *a
	return nil
}

func (f fakeActivities) ListStale(ctx context.Context, now time.Time, limit int) ([]string, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var ids []string
	for id, a := range f.db.activities {
		if a.Status != a.DeriveStatus(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type fakeEnrollments struct{ db *fakeDB }

func (f fakeEnrollments) Create(ctx context.Context, exec sqlx.ExtContext, e *models.Enrollment) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, existing := range f.db.enrollments {
		if existing.StudentID == e.StudentID && existing.ActivityID == e.ActivityID && isActive(existing.Status) {
			return uniqueViolation(repository.ActiveEnrollmentConstraint)
		}
	}
	e.ID = f.db.nextID("enr")
	f.db.enrollments[e.ID] = *e
	return nil
}

func isActive(status models.EnrollmentStatus) bool {
	return status == models.EnrollmentStatusPending || status == models.EnrollmentStatusApproved
}

func (f fakeEnrollments) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	e, ok := f.db.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &e, nil
}

func (f fakeEnrollments) GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	return f.FindByID(ctx, exec, id)
}

func (f fakeEnrollments) FindActive(ctx context.Context, exec sqlx.ExtContext, studentID, activityID string) (*models.Enrollment, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, e := range f.db.enrollments {
		if e.StudentID == studentID && e.ActivityID == activityID && isActive(e.Status) {
			return &e, nil
		}
	}
	return nil, nil
}

func (f fakeEnrollments) Update(ctx context.Context, exec sqlx.ExtContext, e *models.Enrollment) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if _, ok := f.db.enrollments[e.ID]; !ok {
		return sql.ErrNoRows
	}
	f.db.enrollments[e.ID] = *e
	return nil
}

func (f fakeEnrollments) ListByActivity(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var items []models.EnrollmentDetail
	for _, e := range f.db.enrollments {
		if e.ActivityID != filter.ActivityID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		s := f.db.students[e.StudentID]
		items = append(items, models.EnrollmentDetail{Enrollment: e, StudentName: s.FullName, StudentMSSV: s.MSSV})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, len(items), nil
}

type fakeStudents struct{ db *fakeDB }

func (f fakeStudents) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Student, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s, ok := f.db.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &s, nil
}

func (f fakeStudents) AddHours(ctx context.Context, exec sqlx.ExtContext, id string, delta float64) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s, ok := f.db.students[id]
	if !ok {
		return sql.ErrNoRows
	}
	s.AccumulatedHours += delta
	f.db.students[id] = s
	return nil
}

type fakeOrganizations struct{ db *fakeDB }

func (f fakeOrganizations) FindByID(ctx context.Context, id string) (*models.Organization, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	o, ok := f.db.organizations[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &o, nil
}

type fakeAttendance struct{ db *fakeDB }

func (f fakeAttendance) FindForDay(ctx context.Context, exec sqlx.ExtContext, studentID, activityID string, date time.Time) (*models.Attendance, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, a := range f.db.attendances {
		if a.StudentID == studentID && a.ActivityID == activityID && a.AttendanceDate.Equal(date) {
			return &a, nil
		}
	}
	return nil, nil
}

func (f fakeAttendance) GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Attendance, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.attendances[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &a, nil
}

func (f fakeAttendance) Create(ctx context.Context, exec sqlx.ExtContext, a *models.Attendance) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, existing := range f.db.attendances {
		if existing.StudentID == a.StudentID && existing.ActivityID == a.ActivityID && existing.AttendanceDate.Equal(a.AttendanceDate) {
			return uniqueViolation(repository.AttendanceDayConstraint)
		}
	}
	a.ID = f.db.nextID("att")
	f.db.attendances[a.ID] = *a
	return nil
}

func (f fakeAttendance) Update(ctx context.Context, exec sqlx.ExtContext, a *models.Attendance) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if _, ok := f.db.attendances[a.ID]; !ok {
		return sql.ErrNoRows
	}
	f.db.attendances[a.ID] = *a
	return nil
}

func (f fakeAttendance) HasCompletedAttendance(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, a := range f.db.attendances {
		if a.EnrollmentID == enrollmentID && a.Completed() {
			return true, nil
		}
	}
	return false, nil
}

func (f fakeAttendance) Summary(ctx context.Context, activityID string) (*models.AttendanceSummary, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	summary := &models.AttendanceSummary{ActivityID: activityID}
	for _, e := range f.db.enrollments {
		if e.ActivityID == activityID && e.Status == models.EnrollmentStatusApproved {
			summary.TotalEnrolled++
		}
	}
	present, absent, in, out := map[string]bool{}, map[string]bool{}, map[string]bool{}, map[string]bool{}
	for _, a := range f.db.attendances {
		if a.ActivityID != activityID {
			continue
		}
		if a.Status == models.AttendanceStatusPresent {
			present[a.StudentID] = true
		} else {
			absent[a.StudentID] = true
		}
		if a.CheckInTime != nil {
			in[a.StudentID] = true
		}
		if a.CheckOutTime != nil {
			out[a.StudentID] = true
		}
	}
	for student := range present {
		delete(absent, student)
	}
	summary.TotalPresent, summary.TotalAbsent = len(present), len(absent)
	summary.TotalCheckedIn, summary.TotalCheckedOut = len(in), len(out)
	return summary, nil
}

func (f fakeAttendance) ListByActivity(ctx context.Context, activityID string) ([]models.Attendance, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var records []models.Attendance
	for _, a := range f.db.attendances {
		if a.ActivityID == activityID {
			records = append(records, a)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

type fakeCertificates struct {
	db *fakeDB
	// createErr, when set, is returned by the next Create instead of inserting.
	createErr error
}

func (f *fakeCertificates) ExistsForEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, c := range f.db.certificates {
		if c.EnrollmentID == enrollmentID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCertificates) CodeExists(ctx context.Context, exec sqlx.ExtContext, code string) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, c := range f.db.certificates {
		if c.CertificateCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCertificates) Create(ctx context.Context, exec sqlx.ExtContext, cert *models.Certificate) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return err
	}
	for _, c := range f.db.certificates {
		if c.EnrollmentID == cert.EnrollmentID {
			return uniqueViolation(repository.CertificateEnrollmentConstraint)
		}
		if c.CertificateCode == cert.CertificateCode {
			return uniqueViolation(repository.CertificateCodeConstraint)
		}
	}
	cert.ID = f.db.nextID("cert")
	f.db.certificates[cert.ID] = *cert
	return nil
}

func (f *fakeCertificates) find(match func(models.Certificate) bool) (*models.Certificate, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, c := range f.db.certificates {
		if match(c) {
			return &c, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeCertificates) FindByID(ctx context.Context, id string) (*models.Certificate, error) {
	return f.find(func(c models.Certificate) bool { return c.ID == id })
}

func (f *fakeCertificates) FindByCode(ctx context.Context, code string) (*models.Certificate, error) {
	return f.find(func(c models.Certificate) bool { return c.CertificateCode == code })
}

func (f *fakeCertificates) FindByEnrollment(ctx context.Context, enrollmentID string) (*models.Certificate, error) {
	return f.find(func(c models.Certificate) bool { return c.EnrollmentID == enrollmentID })
}

func (f *fakeCertificates) GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Certificate, error) {
	return f.FindByID(ctx, id)
}

func (f *fakeCertificates) MarkRevoked(ctx context.Context, exec sqlx.ExtContext, id, reason string, at time.Time) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.certificates[id]
	if !ok || c.IsRevoked {
		return sql.ErrNoRows
	}
	c.IsRevoked = true
	c.RevokedAt = &at
	c.RevokeReason = &reason
	f.db.certificates[id] = c
	return nil
}

func (f *fakeCertificates) SetFilePath(ctx context.Context, id, path string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.certificates[id]
	if !ok {
		return sql.ErrNoRows
	}
	c.FilePath = &path
	f.db.certificates[id] = c
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Event)
	}
	return out
}

// fixedClock returns a clock frozen at t.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var testNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func openActivity(id string, max int) models.Activity {
	return models.Activity{
		ID:                   id,
		OrganizationID:       "org-1",
		Title:                "Beach cleanup",
		MaxParticipants:      max,
		StartDateTime:        testNow.Add(72 * time.Hour),
		EndDateTime:          testNow.Add(76 * time.Hour),
		RegistrationDeadline: testNow.Add(48 * time.Hour),
		Status:               models.ActivityStatusOpen,
		BenefitsCtxh:         4,
	}
}

func testStudent(id string) models.Student {
	return models.Student{ID: id, FullName: "Student " + id, MSSV: "MSSV-" + id, Email: id + "@example.edu"}
}

func (db *fakeDB) clearFilePath(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.certificates[id]
	if !ok {
		return sql.ErrNoRows
	}
	c.FilePath = nil
	db.certificates[id] = c
	return nil
}
