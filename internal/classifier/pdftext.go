package classifier

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// textLiteral matches string literals in PDF content streams feeding the
// text-show operators.
var textLiteral = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*T[jJ]`)

const maxFirstPageText = 4000

// FirstPageText extracts a best-effort text sample from page one of the PDF
// at path. pdfcpu has no decoded text extraction, so the raw content stream
// is scraped for show-text literals. An empty string (no error) means the
// page carried no extractable text; classification then runs on the
// filename alone.
func FirstPageText(path string) (string, error) {
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	if pdfCtx.PageCount == 0 {
		return "", nil
	}

	outDir, err := os.MkdirTemp("", "harvester-pdftext-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(path, outDir, []string{"1"}, conf); err != nil {
		return "", fmt.Errorf("extract page content: %w", err)
	}

	content, err := readExtractedPage(outDir)
	if err != nil {
		return "", err
	}
	return scrapeText(content), nil
}

func readExtractedPage(outDir string) ([]byte, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("read extraction dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			continue
		}
		return content, nil
	}
	return nil, nil
}

// scrapeText pulls show-text literals out of a raw content stream.
func scrapeText(content []byte) string {
	if len(content) == 0 {
		return ""
	}
	matches := textLiteral.FindAllSubmatch(content, -1)
	var b strings.Builder
	for _, m := range matches {
		fragment := unescapeLiteral(string(m[1]))
		if fragment == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(fragment)
		if b.Len() >= maxFirstPageText {
			break
		}
	}
	text := b.String()
	if len(text) > maxFirstPageText {
		text = text[:maxFirstPageText]
	}
	return strings.TrimSpace(text)
}

func unescapeLiteral(s string) string {
	replacer := strings.NewReplacer(
		`\(`, "(",
		`\)`, ")",
		`\\`, `\`,
		`\n`, "\n",
		`\r`, "\r",
		`\t`, "\t",
	)
	return strings.TrimSpace(replacer.Replace(s))
}
