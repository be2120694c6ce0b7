package ingest

import "regexp"

// caseFilenameRe matches filenames issued by the pathology information
// system: a case prefix, an accession number, and an optional slide
// label, e.g. AP20250001234B2.svs.
var caseFilenameRe = regexp.MustCompile(`^(AP|PA|IM)(\d{6,12})([A-Z]\d*)?(?:\.[A-Za-z0-9]+)?$`)

// CaseRef is the external case identity parsed from a slide filename.
type CaseRef struct {
	CaseBase   string
	Label      string
	ExternalID string
}

// ParseCaseFilename extracts the external case reference from an
// original filename. PA prefixes are legacy spellings of AP and are
// normalised; a missing slide label means the first slide of the case.
func ParseCaseFilename(name string) (CaseRef, bool) {
	m := caseFilenameRe.FindStringSubmatch(name)
	if m == nil {
		return CaseRef{}, false
	}
	prefix := m[1]
	if prefix == "PA" {
		prefix = "AP"
	}
	label := m[3]
	if label == "" {
		label = "1"
	}
	base := prefix + m[2]
	return CaseRef{
		CaseBase:   base,
		Label:      label,
		ExternalID: "pathoweb:" + base,
	}, true
}
