package harvest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Docs/a.pdf", "https://example.com/Docs/a.pdf"},
		{"strips fragment", "https://example.com/page#section-2", "https://example.com/page"},
		{"sorts query keys", "https://example.com/p?b=2&a=1", "https://example.com/p?a=1&b=2"},
		{"keeps path case", "https://example.com/Product/Line", "https://example.com/Product/Line"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSameSite(t *testing.T) {
	t.Parallel()
	assert.True(t, SameSite("www.example.com", "docs.example.com"))
	assert.True(t, SameSite("example.com", "example.com"))
	assert.True(t, SameSite("example.com:443", "www.example.com"))
	assert.False(t, SameSite("example.com", "other.com"))
	assert.False(t, SameSite("example.co.uk", "example.org.uk"))
}

func TestIsPdfURL(t *testing.T) {
	t.Parallel()
	assert.True(t, IsPdfURL("https://example.com/a/datasheet.PDF"))
	assert.True(t, IsPdfURL("https://example.com/spec.pdf?rev=2"))
	assert.False(t, IsPdfURL("https://example.com/spec.pdf.html"))
	assert.False(t, IsPdfURL("https://example.com/catalog"))
}

func TestFilenameFromURL(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "data sheet.pdf", FilenameFromURL("https://example.com/docs/data%20sheet.pdf"))
	assert.Equal(t, "spec.pdf", FilenameFromURL("https://example.com/a/b/spec.pdf?dl=1"))
	assert.Equal(t, "", FilenameFromURL("https://example.com/"))
}

func TestIsUploadable(t *testing.T) {
	t.Parallel()
	for _, allowed := range []string{DocTypeProductData, DocTypeSpecification, DocTypeSubmittal, DocTypeTechnicalData} {
		assert.True(t, IsUploadable(allowed), allowed)
	}
	for _, denied := range []string{DocTypeInstallManual, DocTypeOperationMaint, DocTypeMarketing, DocTypeUnknown, ""} {
		assert.False(t, IsUploadable(denied), denied)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusUploading.Terminal())
}
