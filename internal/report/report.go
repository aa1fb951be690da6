package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"campus/internal/attendance"
)

// Student renders a printable attendance history: one table row per
// record, in the order the records are given (most recent first).
func Student(studentID string, records []attendance.Record) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Attendance Report", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Attendance Report")
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 8, fmt.Sprintf("Student: %s", studentID))
	pdf.Ln(6)
	pdf.Cell(0, 8, fmt.Sprintf("Generated: %s", time.Now().UTC().Format("2 Jan 2006 15:04 MST")))
	pdf.Ln(10)

	colWidths := []float64{45, 95, 30}
	headers := []string{"Date", "Subject", "Status"}

	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetFillColor(230, 230, 230)
	for i, h := range headers {
		pdf.CellFormat(colWidths[i], 8, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 11)
	for _, rec := range records {
		pdf.CellFormat(colWidths[0], 8, rec.MarkedOn.Format("02 Jan 2006"), "1", 0, "L", false, 0, "")
		pdf.CellFormat(colWidths[1], 8, rec.Subject, "1", 0, "L", false, 0, "")
		pdf.CellFormat(colWidths[2], 8, rec.Status, "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	if len(records) == 0 {
		pdf.CellFormat(colWidths[0]+colWidths[1]+colWidths[2], 8, "No attendance recorded.", "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("report: pdf generation failed: %w", err)
	}
	return buf.Bytes(), nil
}
