package report

import (
	"bytes"
	"encoding/csv"
	"testing"

	"qrattend/internal/stats"
)

func TestStanding(t *testing.T) {
	cases := []struct {
		pct  float64
		want string
	}{
		{100, "Good"}, {75, "Good"}, {74.99, "Fair"}, {50, "Fair"}, {49.99, "Poor"}, {0, "Poor"},
	}
	for _, tc := range cases {
		if got := Standing(tc.pct); got != tc.want {
			t.Errorf("Standing(%v) = %q, want %q", tc.pct, got, tc.want)
		}
	}
}

func TestCourseCSV(t *testing.T) {
	rows := []stats.Stats{
		{StudentID: "stu-1", CourseID: "CS101", TotalSessions: 10, AttendedSessions: 8, Percentage: 80.00},
		{StudentID: "stu-2", CourseID: "CS101", TotalSessions: 10, AttendedSessions: 4, Percentage: 40.00},
	}

	var buf bytes.Buffer
	if err := CourseCSV(&buf, "CS101", rows); err != nil {
		t.Fatalf("CourseCSV: %v", err)
	}

	recs, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(recs))
	}
	if recs[0][0] != "student_id" {
		t.Errorf("header = %v", recs[0])
	}
	want1 := []string{"stu-1", "CS101", "10", "8", "2", "80.00", "Good"}
	for i, v := range want1 {
		if recs[1][i] != v {
			t.Errorf("row 1 col %d = %q, want %q", i, recs[1][i], v)
		}
	}
	if recs[2][6] != "Poor" {
		t.Errorf("stu-2 standing = %q, want Poor", recs[2][6])
	}
}
