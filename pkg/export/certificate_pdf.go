package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"github.com/noah-isme/ctxh-api/internal/models"
)

const dateLayout = "02/01/2006"

// CertificateRenderer renders certificate snapshots into a one-page landscape PDF.
type CertificateRenderer struct {
	verifyBaseURL string
}

// NewCertificateRenderer builds a renderer. verifyBaseURL is printed under the code
// so holders can check validity.
func NewCertificateRenderer(verifyBaseURL string) *CertificateRenderer {
	return &CertificateRenderer{verifyBaseURL: strings.TrimRight(verifyBaseURL, "/")}
}

// Render produces the PDF bytes for cert.
func (r *CertificateRenderer) Render(cert *models.Certificate) ([]byte, error) {
	if cert == nil || cert.CertificateCode == "" {
		return nil, fmt.Errorf("certificate code required")
	}

	pdf := gofpdf.New("L", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	pdf.SetLineWidth(1.2)
	pdf.Rect(10, 10, 277, 190, "D")
	pdf.SetLineWidth(0.3)
	pdf.Rect(14, 14, 269, 182, "D")

	pdf.SetY(28)
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 7, tr(strings.ToUpper(cert.OrganizationName)), "", 1, "C", false, 0, "")
	if cert.OrganizationAddress != "" {
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 6, tr(cert.OrganizationAddress), "", 1, "C", false, 0, "")
	}

	pdf.Ln(10)
	pdf.SetFont("Arial", "B", 26)
	pdf.CellFormat(0, 14, "CERTIFICATE OF COMMUNITY SERVICE", "", 1, "C", false, 0, "")

	pdf.Ln(6)
	pdf.SetFont("Arial", "", 13)
	pdf.CellFormat(0, 8, "This certifies that", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "B", 22)
	pdf.CellFormat(0, 12, tr(cert.StudentName), "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 12)
	pdf.CellFormat(0, 7, tr(studentLine(cert)), "", 1, "C", false, 0, "")

	pdf.Ln(4)
	pdf.CellFormat(0, 7, "has completed the activity", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "B", 15)
	pdf.MultiCell(0, 8, tr(cert.ActivityTitle), "", "C", false)

	pdf.SetFont("Arial", "", 12)
	period := fmt.Sprintf("from %s to %s, credited with %s community service hours",
		cert.ActivityStart.Format(dateLayout), cert.ActivityEnd.Format(dateLayout), formatHours(cert.CtxhHours))
	pdf.CellFormat(0, 8, period, "", 1, "C", false, 0, "")

	pdf.SetY(165)
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(130, 6, "Issued on "+cert.IssuedDate.Format(dateLayout), "", 0, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Certificate code: "+cert.CertificateCode, "", 1, "R", false, 0, "")
	if r.verifyBaseURL != "" {
		pdf.SetFont("Arial", "I", 9)
		pdf.CellFormat(0, 6, "Verify at "+r.verifyBaseURL+"/"+cert.CertificateCode, "", 1, "R", false, 0, "")
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render certificate pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func studentLine(cert *models.Certificate) string {
	parts := make([]string, 0, 3)
	if cert.StudentMSSV != "" {
		parts = append(parts, "Student ID "+cert.StudentMSSV)
	}
	if cert.StudentFaculty != "" {
		parts = append(parts, cert.StudentFaculty)
	}
	if cert.StudentAcademicYear != "" {
		parts = append(parts, "Cohort "+cert.StudentAcademicYear)
	}
	return strings.Join(parts, " - ")
}

func formatHours(h float64) string {
	if h == float64(int64(h)) {
		return fmt.Sprintf("%d", int64(h))
	}
	return fmt.Sprintf("%.1f", h)
}
