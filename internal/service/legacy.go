package service

import (
	"regexp"

	"github.com/google/uuid"
)

// Older assistant builds reference an approval only by embedding its request
// id in the response prose instead of emitting a structured interrupt event.
// This shim recovers those references; delete it once no such build remains
// deployed.

var proseIDPattern = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)

// ScanProse extracts the first approval request id embedded in response
// prose, normalized to canonical form. It reports false when the text
// carries no valid id.
func ScanProse(text string) (string, bool) {
	for _, candidate := range proseIDPattern.FindAllString(text, -1) {
		id, err := uuid.Parse(candidate)
		if err != nil {
			continue
		}
		return id.String(), true
	}
	return "", false
}
