// Package partslist parses uploaded part-number workbooks for bulk-upload
// jobs.
package partslist

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Row is one validated parts-list entry.
type Row struct {
	PartNumber string
	PdfURL     string
}

// Result carries the accepted rows plus the count rejected up-front.
type Result struct {
	Rows     []Row
	Rejected int
}

var urlPattern = regexp.MustCompile(`^https?://`)

// Parse reads an .xlsx parts list: the header row is skipped, column A is
// the part number (non-empty), column B the PDF URL (http/https). Rows
// failing validation are counted, not returned.
func Parse(r io.Reader) (Result, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return Result{}, fmt.Errorf("open workbook: %w", err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return Result{}, fmt.Errorf("workbook has no sheets")
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return Result{}, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	result := Result{}
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		if isBlankRow(row) {
			continue
		}
		entry, ok := validateRow(row)
		if !ok {
			result.Rejected++
			continue
		}
		result.Rows = append(result.Rows, entry)
	}
	return result, nil
}

func validateRow(row []string) (Row, bool) {
	if len(row) < 2 {
		return Row{}, false
	}
	partNumber := strings.TrimSpace(row[0])
	pdfURL := strings.TrimSpace(row[1])
	if partNumber == "" || !urlPattern.MatchString(pdfURL) {
		return Row{}, false
	}
	return Row{PartNumber: partNumber, PdfURL: pdfURL}, true
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
