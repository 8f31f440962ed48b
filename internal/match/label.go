package match

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

const maxDeviceIDLen = 64

var (
	dupSuffixRe    = regexp.MustCompile(`\s*[(\[]\d+[)\]]\s*$`)
	exportClauseRe = regexp.MustCompile(`(?i)[_\s]export([_\s].*)?$`)
	slugInvalidRe  = regexp.MustCompile(`[^a-z0-9]+`)
)

// DeviceLabel derives the sensor's human label from an export filename: the
// extension, trailing "(n)"/"[n]" duplicate-download suffixes and the export
// tool's "..._export_..." clause are stripped.
func DeviceLabel(filename string) string {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = dupSuffixRe.ReplaceAllString(base, "")
	base = exportClauseRe.ReplaceAllString(base, "")
	return strings.TrimSpace(base)
}

// DeviceID builds the stable device identity from scope and label. The slug is
// reproducible from the label text alone; over-long identities are capped with
// a hash suffix so they stay both stable and bounded.
func DeviceID(scope, label string) string {
	slug := Slugify(scope + "-" + label)
	if len(slug) <= maxDeviceIDLen {
		return slug
	}
	sum := sha256.Sum256([]byte(slug))
	suffix := hex.EncodeToString(sum[:4])
	return slug[:maxDeviceIDLen-len(suffix)-1] + "-" + suffix
}

// Slugify lowercases the input and collapses runs of non-alphanumerics into
// single dashes.
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = slugInvalidRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
