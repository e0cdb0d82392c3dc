package documents

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/synaptica-ai/intake/pkg/common/models"
	"github.com/xuri/excelize/v2"
)

const (
	SheetName        = "Intake"
	ContentTypeXLSX  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	headerFill       = "#E6F3FF"
	questionColWidth = 48
	answerColWidth   = 60
)

// Artifact is a rendered intake document.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

type Renderer interface {
	Render(ctx context.Context, c *models.CanonicalIntake) (Artifact, error)
}

// XLSXRenderer writes the intake as a single worksheet: a patient block
// followed by one titled block per section.
type XLSXRenderer struct{}

func NewXLSXRenderer() *XLSXRenderer {
	return &XLSXRenderer{}
}

func (r *XLSXRenderer) Render(ctx context.Context, c *models.CanonicalIntake) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return Artifact{}, fmt.Errorf("failed to drop default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{headerFill}, Pattern: 1},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to create header style: %w", err)
	}
	if err := f.SetColWidth(SheetName, "A", "A", questionColWidth); err != nil {
		return Artifact{}, err
	}
	if err := f.SetColWidth(SheetName, "B", "B", answerColWidth); err != nil {
		return Artifact{}, err
	}

	row := 1
	writeHeader := func(title string) error {
		cell := fmt.Sprintf("A%d", row)
		if err := f.SetCellValue(SheetName, cell, title); err != nil {
			return err
		}
		if err := f.SetCellStyle(SheetName, cell, fmt.Sprintf("B%d", row), headerStyle); err != nil {
			return err
		}
		row++
		return nil
	}
	writePair := func(question, answer string) error {
		if err := f.SetSheetRow(SheetName, fmt.Sprintf("A%d", row), &[]interface{}{question, answer}); err != nil {
			return err
		}
		row++
		return nil
	}

	if err := writeHeader("Patient"); err != nil {
		return Artifact{}, err
	}
	for _, pair := range patientBlock(c) {
		if err := writePair(pair[0], pair[1]); err != nil {
			return Artifact{}, fmt.Errorf("failed to write patient block: %w", err)
		}
	}
	for _, section := range c.Sections {
		row++
		if err := writeHeader(section.Title); err != nil {
			return Artifact{}, err
		}
		for _, a := range section.Answers {
			if err := writePair(a.Question, a.Answer); err != nil {
				return Artifact{}, fmt.Errorf("failed to write section %q: %w", section.Title, err)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return Artifact{}, fmt.Errorf("failed to write workbook: %w", err)
	}
	return Artifact{
		Name:        c.SubmissionID + ".xlsx",
		ContentType: ContentTypeXLSX,
		Data:        buf.Bytes(),
	}, nil
}

func patientBlock(c *models.CanonicalIntake) [][2]string {
	address := strings.Join(nonEmpty(c.Address.Line1, c.Address.Line2, c.Address.City, c.Address.State, c.Address.Zip), ", ")
	return [][2]string{
		{"Submission", c.SubmissionID},
		{"Source", c.Source},
		{"Name", strings.TrimSpace(c.FirstName + " " + c.LastName)},
		{"Date of birth", c.DOB},
		{"Email", c.Email},
		{"Phone", c.Phone},
		{"Gender", c.Gender},
		{"Address", address},
		{"Treatment", c.Treatment},
		{"Status", c.CompletionStatus()},
	}
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
