package utils

import "strings"

// NormalizePlate brings OCR plate reads to one comparable form:
// whitespace and dashes stripped, upper case.
func NormalizePlate(raw string) string {
	normalized := strings.TrimSpace(raw)
	normalized = strings.ReplaceAll(normalized, " ", "")
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ToUpper(normalized)
	return normalized
}
