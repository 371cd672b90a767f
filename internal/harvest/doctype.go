package harvest

// Document type vocabulary produced by the classifier.
const (
	DocTypeProductData     = "Product Data Sheet"
	DocTypeSpecification   = "Specification Sheet"
	DocTypeSubmittal       = "Submittal Sheet"
	DocTypeTechnicalData   = "Technical Data Sheet"
	DocTypeInstallManual   = "Installation Manual"
	DocTypeOperationMaint  = "Operation & Maintenance"
	DocTypeEngineeringDiag = "Engineering Diagram"
	DocTypeMarketing       = "Marketing"
	DocTypeUnknown         = "Unknown"
)

// uploadAllowList holds the document types the uploader may transfer.
// Installation manuals are deliberately excluded.
var uploadAllowList = map[string]struct{}{
	DocTypeProductData:   {},
	DocTypeSpecification: {},
	DocTypeSubmittal:     {},
	DocTypeTechnicalData: {},
}

// DocumentTypes lists the full classifier vocabulary.
func DocumentTypes() []string {
	return []string{
		DocTypeProductData,
		DocTypeSpecification,
		DocTypeSubmittal,
		DocTypeTechnicalData,
		DocTypeInstallManual,
		DocTypeOperationMaint,
		DocTypeEngineeringDiag,
		DocTypeMarketing,
		DocTypeUnknown,
	}
}

// IsUploadable reports whether a document type is in the upload allow-list.
func IsUploadable(documentType string) bool {
	_, ok := uploadAllowList[documentType]
	return ok
}

// IsKnownDocumentType reports whether the label belongs to the vocabulary.
func IsKnownDocumentType(documentType string) bool {
	for _, t := range DocumentTypes() {
		if t == documentType {
			return true
		}
	}
	return false
}
