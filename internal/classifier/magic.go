package classifier

import (
	"github.com/gabriel-vasile/mimetype"
)

// MagicDetector matches content signatures using the mimetype library's
// magic-byte database. It is the production Detector.
type MagicDetector struct{}

// NewMagicDetector creates a MagicDetector.
func NewMagicDetector() *MagicDetector {
	return &MagicDetector{}
}

// Detect inspects the prefix against the signature database. The library
// always resolves to something; a resolution to the generic binary or
// empty-text root types is reported as no match so the classifier applies
// its own fallback.
func (d *MagicDetector) Detect(prefix []byte) (Result, bool) {
	if len(prefix) == 0 {
		return Result{}, false
	}

	m := mimetype.Detect(prefix)
	mime := m.String()

	if mime == "" || mime == FallbackMimeType {
		return Result{}, false
	}

	res := Result{MimeType: mime}
	if ext := m.Extension(); ext != "" {
		res.Magic = ext[1:] + " data"
	}
	return res, true
}
