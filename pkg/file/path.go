package file

import (
	"path/filepath"
	"strings"
)

// DeriveOutputPath returns the default translated-document path for an input:
// "report.md" becomes "report_translated.md" in the same directory.
func DeriveOutputPath(inputPath string) string {
	if inputPath == "" {
		return inputPath
	}

	dir := filepath.Dir(inputPath)
	filename := filepath.Base(inputPath)

	lastDot := strings.LastIndex(filename, ".")
	if lastDot <= 0 {
		return filepath.Join(dir, filename+"_translated")
	}

	stem := filename[:lastDot]
	ext := filename[lastDot:]
	return filepath.Join(dir, stem+"_translated"+ext)
}
