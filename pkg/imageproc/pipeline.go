// Package imageproc runs the inline image optimization pipeline: decode a
// base64 image data URL, fit the image into a bounding box, and re-encode it
// as JPEG. Processing happens on a bounded worker pool so CPU-heavy transforms
// never touch the document path.
package imageproc

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"

	"github.com/disintegration/imaging"
)

// ErrTooLarge reports a decoded payload over the size cap. The message is
// part of the wire contract.
var ErrTooLarge = errors.New("too large")

// ErrInvalidFormat reports a payload that is not a base64 image data URL.
var ErrInvalidFormat = errors.New("invalid image format: expected a base64 image data URL")

var dataURLPattern = regexp.MustCompile(`^data:(image/[a-z0-9.+-]+);base64,(.+)$`)

// Config holds the pipeline limits.
type Config struct {
	// MaxBytes caps the decoded payload size, tolerance already included.
	MaxBytes int

	// MaxDimension is the bounding box edge for the resize.
	MaxDimension int

	// JPEGQuality is the re-encode quality, 1-100.
	JPEGQuality int

	// Workers is the number of concurrent transform workers.
	Workers int

	// QueueSize bounds pending submissions; overflow is reported to the
	// submitter immediately.
	QueueSize int
}

// process runs the full pipeline on one data URL and returns the optimized
// JPEG as a data URL.
func (p *Pool) process(dataURL string) (string, error) {
	m := dataURLPattern.FindStringSubmatch(dataURL)
	if m == nil {
		return "", ErrInvalidFormat
	}

	raw, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return "", fmt.Errorf("invalid base64 payload: %w", err)
	}
	if len(raw) > p.cfg.MaxBytes {
		return "", ErrTooLarge
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	// Fit shrinks to the bounding box preserving aspect ratio and never
	// enlarges. Re-encoding drops all metadata.
	resized := imaging.Fit(img, p.cfg.MaxDimension, p.cfg.MaxDimension, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(p.cfg.JPEGQuality)); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
