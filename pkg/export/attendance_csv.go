package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/noah-isme/ctxh-api/internal/models"
)

var rosterHeaders = []string{"student_id", "attendance_date", "status", "check_in", "check_out", "duration_minutes", "notes"}

// WriteAttendanceCSV streams attendance records as CSV. Times are written in loc.
func WriteAttendanceCSV(w io.Writer, records []models.Attendance, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(rosterHeaders); err != nil {
		return fmt.Errorf("write csv headers: %w", err)
	}
	for i := range records {
		rec := &records[i]
		row := []string{
			rec.StudentID,
			rec.AttendanceDate.Format("2006-01-02"),
			string(rec.Status),
			formatTime(rec.CheckInTime, loc),
			formatTime(rec.CheckOutTime, loc),
			"",
			"",
		}
		if d := rec.DurationMinutes(); d != nil {
			row[5] = strconv.Itoa(*d)
		}
		if rec.Notes != nil {
			row[6] = *rec.Notes
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format("15:04:05")
}
