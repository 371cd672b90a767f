package classifier

import (
	"regexp"
	"strings"

	"github.com/absnate/docharvester/internal/harvest"
)

// heuristicRule maps a filename substring to a document type. Rules are
// checked in order; the first match wins, so exclusions (install, iom)
// outrank the technical keywords.
type heuristicRule struct {
	substring string
	docType   string
}

var heuristicRules = []heuristicRule{
	{"iom", harvest.DocTypeOperationMaint},
	{"o m manual", harvest.DocTypeOperationMaint},
	{"install", harvest.DocTypeInstallManual},
	{"submittal", harvest.DocTypeSubmittal},
	{"tds", harvest.DocTypeTechnicalData},
	{"technical data", harvest.DocTypeTechnicalData},
	{"pds", harvest.DocTypeProductData},
	{"product data", harvest.DocTypeProductData},
	{"datasheet", harvest.DocTypeProductData},
	{"data sheet", harvest.DocTypeProductData},
	{"spec", harvest.DocTypeSpecification},
	{"catalog", harvest.DocTypeMarketing},
	{"brochure", harvest.DocTypeMarketing},
	{"flyer", harvest.DocTypeMarketing},
	{"drawing", harvest.DocTypeEngineeringDiag},
	{"diagram", harvest.DocTypeEngineeringDiag},
}

var separators = regexp.MustCompile(`[-_./\s]+`)

// ClassifyByFilename applies the rule table to a filename (and optionally
// the source URL). Returns Unknown when no rule matches.
func ClassifyByFilename(filename, sourceURL string) harvest.Classification {
	normalized := normalizeName(filename + " " + sourceURL)

	for _, rule := range heuristicRules {
		if containsToken(normalized, rule.substring) {
			return harvest.Classification{
				DocumentType: rule.docType,
				IsTechnical:  harvest.IsUploadable(rule.docType),
				Confidence:   0.5,
				Reason:       "filename heuristic: matched " + `"` + rule.substring + `"`,
			}
		}
	}
	return harvest.Classification{
		DocumentType: harvest.DocTypeUnknown,
		IsTechnical:  false,
		Confidence:   0,
		Reason:       "filename heuristic: no rule matched",
	}
}

// normalizeName lowercases and flattens separators so "Data-Sheet_X.pdf"
// matches "data sheet".
func normalizeName(s string) string {
	s = strings.ToLower(s)
	s = separators.ReplaceAllString(s, " ")
	return " " + s + " "
}

// containsToken matches short abbreviations (tds, pds, iom) only on word
// boundaries; longer substrings match anywhere.
func containsToken(normalized, token string) bool {
	if len(token) <= 3 {
		return strings.Contains(normalized, " "+token+" ")
	}
	return strings.Contains(normalized, token)
}
