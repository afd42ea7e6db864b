package bridge

import (
	"bytes"
	"image"

	_ "image/jpeg"
	_ "image/png"
)

// imageDimensions probes the image header for pixel dimensions. Dimensions
// are an optional enrichment of screenshot results, so an unparseable header
// reports ok=false instead of an error.
func imageDimensions(data []byte) (width, height int, ok bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}
