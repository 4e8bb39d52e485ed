// Package imaging produces fixed-size square thumbnails for agent avatars.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"

	// Decoders for Decode.
	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
)

// ErrInvalidTargetSize is returned for a non-positive target size.
var ErrInvalidTargetSize = errors.New("target size must be a positive integer")

// EncodedImage is a base64-encoded square thumbnail.
type EncodedImage struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// DataURL returns the image as a data: URL suitable for direct embedding.
func (e *EncodedImage) DataURL() string {
	return "data:" + e.MIMEType + ";base64," + e.Data
}

// Plan describes how a source is reduced: the sizes of every intermediate
// frame produced by halving, and the centered square cropped from the last one.
type Plan struct {
	Steps []image.Point
	Crop  image.Rectangle
}

// PlanFor computes the reduction plan for a w×h source.
func PlanFor(w, h, targetSize int) (Plan, error) {
	if targetSize <= 0 {
		return Plan{}, ErrInvalidTargetSize
	}
	var p Plan
	for w/2 > targetSize && h/2 > targetSize {
		w /= 2
		h /= 2
		p.Steps = append(p.Steps, image.Pt(w, h))
	}
	side := min(w, h)
	x0 := (w - side) / 2
	y0 := (h - side) / 2
	p.Crop = image.Rect(x0, y0, x0+side, y0+side)
	return p, nil
}

// Resize reduces src to a targetSize×targetSize square.
//
// The source is halved repeatedly while both halves stay above the target,
// each pass redrawn into a fresh canvas, so the final scale never spans more
// than one halving. The last pass draws a centered square crop.
func Resize(src image.Image, targetSize int) (*image.RGBA, error) {
	if targetSize <= 0 {
		return nil, ErrInvalidTargetSize
	}
	if src == nil {
		return nil, errors.New("source image is nil")
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, errors.New("source image is empty")
	}

	plan, err := PlanFor(b.Dx(), b.Dy(), targetSize)
	if err != nil {
		return nil, err
	}

	cur := src
	for _, size := range plan.Steps {
		frame := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
		draw.ApproxBiLinear.Scale(frame, frame.Bounds(), cur, cur.Bounds(), draw.Src, nil)
		cur = frame
	}

	crop := plan.Crop.Add(cur.Bounds().Min)
	out := image.NewRGBA(image.Rect(0, 0, targetSize, targetSize))
	draw.CatmullRom.Scale(out, out.Bounds(), cur, crop, draw.Src, nil)
	return out, nil
}

// Downsample resizes src and encodes the result as base64 PNG.
func Downsample(src image.Image, targetSize int) (*EncodedImage, error) {
	out, err := Resize(src, targetSize)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	return &EncodedImage{
		Width:    targetSize,
		Height:   targetSize,
		MIMEType: "image/png",
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// DecodeAndDownsample decodes a PNG, JPEG or GIF stream and downsamples it.
// The target size is checked before the stream is read.
func DecodeAndDownsample(r io.Reader, targetSize int) (*EncodedImage, error) {
	if targetSize <= 0 {
		return nil, ErrInvalidTargetSize
	}
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return Downsample(src, targetSize)
}
