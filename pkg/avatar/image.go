// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package avatar

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"strings"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Image is a decoded-once image handle passed to the notification layer.
type Image struct {
	// Path is the cache file backing the image, empty for uncached images.
	Path     string
	Data     []byte
	MIMEType string
	Width    int
	Height   int
}

// decodeImageData sniffs and decodes fetched bytes. Anything that isn't an
// image (an HTML error page served with 200, for example) is rejected before
// it reaches the decoders.
func decodeImageData(data []byte) (image.Image, string, error) {
	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, mime.String(), fmt.Errorf("unexpected content type %s", mime.String())
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, mime.String(), fmt.Errorf("failed to decode %s: %w", mime.String(), err)
	}
	return img, mime.String(), nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func newPNGImage(path string, data []byte) (*Image, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &Image{
		Path:     path,
		Data:     data,
		MIMEType: "image/png",
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}
