package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/absnate/docharvester/internal/harvest"
)

type fakeOracle struct {
	response string
	err      error
	delay    time.Duration
	calls    int
}

func (o *fakeOracle) Complete(ctx context.Context, _ string) (string, error) {
	o.calls++
	if o.delay > 0 {
		select {
		case <-time.After(o.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return o.response, o.err
}

func TestClassifyUsesLLMVerdict(t *testing.T) {
	t.Parallel()
	oracle := &fakeOracle{response: `{"document_type": "Submittal Sheet", "confidence": 0.92}`}
	c := New(oracle, Config{}, zap.NewNop())

	got, err := c.Classify(context.Background(), "doc.pdf", "https://acme.example.com/doc.pdf", "submittal data")
	require.NoError(t, err)

	assert.Equal(t, harvest.DocTypeSubmittal, got.DocumentType)
	assert.True(t, got.IsTechnical)
	assert.InDelta(t, 0.92, got.Confidence, 0.001)
}

func TestClassifyExtractsJSONFromNoise(t *testing.T) {
	t.Parallel()
	oracle := &fakeOracle{response: "Sure! Here is the answer:\n```json\n" +
		`{"document_type": "Installation Manual", "confidence": 0.88}` + "\n```\nHope that helps."}
	c := New(oracle, Config{}, zap.NewNop())

	got, err := c.Classify(context.Background(), "pump-install.pdf", "", "")
	require.NoError(t, err)

	assert.Equal(t, harvest.DocTypeInstallManual, got.DocumentType)
	assert.False(t, got.IsTechnical)
}

func TestClassifyFallsBackOnInvalidJSON(t *testing.T) {
	t.Parallel()
	oracle := &fakeOracle{response: "I cannot classify this document."}
	c := New(oracle, Config{}, zap.NewNop())

	got, err := c.Classify(context.Background(), "acme-pump-datasheet.pdf", "", "")
	require.NoError(t, err)

	assert.Equal(t, harvest.DocTypeProductData, got.DocumentType)
	assert.True(t, got.IsTechnical)
	assert.Contains(t, got.Reason, "filename heuristic")
}

func TestClassifyFallsBackOnLowConfidence(t *testing.T) {
	t.Parallel()
	oracle := &fakeOracle{response: `{"document_type": "Marketing", "confidence": 0.3}`}
	c := New(oracle, Config{}, zap.NewNop())

	got, err := c.Classify(context.Background(), "x100-submittal.pdf", "", "")
	require.NoError(t, err)

	assert.Equal(t, harvest.DocTypeSubmittal, got.DocumentType)
	assert.True(t, got.IsTechnical)
}

func TestClassifyFallsBackOnQuotaError(t *testing.T) {
	t.Parallel()
	oracle := &fakeOracle{err: ErrQuotaExceeded}
	c := New(oracle, Config{}, zap.NewNop())

	got, err := c.Classify(context.Background(), "valve-spec.pdf", "", "")
	require.NoError(t, err)

	assert.Equal(t, harvest.DocTypeSpecification, got.DocumentType)
	assert.True(t, got.IsTechnical)
}

func TestClassifyTimeoutTriggersFallback(t *testing.T) {
	t.Parallel()
	oracle := &fakeOracle{delay: time.Second, response: `{"document_type": "Marketing", "confidence": 0.9}`}
	c := New(oracle, Config{Timeout: 20 * time.Millisecond}, zap.NewNop())

	got, err := c.Classify(context.Background(), "brochure.pdf", "", "")
	require.NoError(t, err)
	assert.Equal(t, harvest.DocTypeMarketing, got.DocumentType)
	assert.False(t, got.IsTechnical)
}

func TestClassifyCancelledPropagates(t *testing.T) {
	t.Parallel()
	oracle := &fakeOracle{delay: time.Second}
	c := New(oracle, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Classify(ctx, "doc.pdf", "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClassifyByFilenameTable(t *testing.T) {
	t.Parallel()
	cases := []struct {
		filename  string
		wantType  string
		technical bool
	}{
		{"pump-submittal.pdf", harvest.DocTypeSubmittal, true},
		{"Acme_Valve_Datasheet.pdf", harvest.DocTypeProductData, true},
		{"x100-data-sheet.pdf", harvest.DocTypeProductData, true},
		{"series-spec-sheet.pdf", harvest.DocTypeSpecification, true},
		{"X9_TDS.pdf", harvest.DocTypeTechnicalData, true},
		{"install-guide.pdf", harvest.DocTypeInstallManual, false},
		{"pump_IOM.pdf", harvest.DocTypeOperationMaint, false},
		{"spring-catalog.pdf", harvest.DocTypeMarketing, false},
		{"brochure-2024.pdf", harvest.DocTypeMarketing, false},
		{"mystery.pdf", harvest.DocTypeUnknown, false},
	}
	for _, tc := range cases {
		got := ClassifyByFilename(tc.filename, "")
		assert.Equal(t, tc.wantType, got.DocumentType, tc.filename)
		assert.Equal(t, tc.technical, got.IsTechnical, tc.filename)
	}
}

func TestScrapeText(t *testing.T) {
	t.Parallel()
	content := []byte(`BT /F1 12 Tf (Technical) Tj (Data Sheet) Tj ET (ignored)`)
	assert.Equal(t, "Technical Data Sheet", scrapeText(content))
	assert.Equal(t, "", scrapeText(nil))
}

func TestParseVerdictRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	_, ok := parseVerdict(`{"document_type": "Submittal Sheet", "confidence": 1.5}`)
	assert.False(t, ok)
	_, ok = parseVerdict(`{"document_type": "", "confidence": 0.9}`)
	assert.False(t, ok)
	_, ok = parseVerdict(`{"document_type": "Totally Made Up", "confidence": 0.9}`)
	assert.False(t, ok)
}
