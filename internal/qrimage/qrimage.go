// Package qrimage renders scannable PNGs for token scan URLs. Presentation
// only: it carries no attendance logic.
package qrimage

import (
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the PNG edge length in pixels, sized for phone cameras.
const DefaultSize = 300

// ScanURL builds the URL a student's phone opens for a token.
func ScanURL(baseURL, tokenID string) string {
	return strings.TrimRight(baseURL, "/") + "/v1/scan/" + tokenID
}

// PNG encodes the scan URL as a medium error-correction QR PNG.
func PNG(scanURL string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultSize
	}
	return qrcode.Encode(scanURL, qrcode.Medium, size)
}
