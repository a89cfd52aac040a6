// Package report renders read-only attendance summaries for export. It
// consumes ledger and stats rows; it never writes anything.
package report

import (
	"encoding/csv"
	"fmt"
	"io"

	"qrattend/internal/stats"
)

// Standing bands a percentage the way course coordinators read it.
func Standing(percentage float64) string {
	switch {
	case percentage >= 75:
		return "Good"
	case percentage >= 50:
		return "Fair"
	default:
		return "Poor"
	}
}

// CourseCSV writes one row per student for a course's stats.
func CourseCSV(w io.Writer, courseID string, rows []stats.Stats) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"student_id", "course_id", "total_sessions", "attended_sessions", "absent_sessions", "percentage", "standing"}); err != nil {
		return err
	}
	for _, st := range rows {
		rec := []string{
			st.StudentID,
			courseID,
			fmt.Sprintf("%d", st.TotalSessions),
			fmt.Sprintf("%d", st.AttendedSessions),
			fmt.Sprintf("%d", st.TotalSessions-st.AttendedSessions),
			fmt.Sprintf("%.2f", st.Percentage),
			Standing(st.Percentage),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
