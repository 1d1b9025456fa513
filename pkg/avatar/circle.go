// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package avatar

import (
	"image"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"
)

// kappa is the control point distance for approximating a quarter circle with
// a cubic Bézier curve.
const kappa = 0.5522847498

// CropCircle center-crops img to a square, scales it down to at most maxSize
// pixels per side (0 means no limit) and masks it with an anti-aliased
// inscribed circle. Pixels outside the circle are fully transparent.
func CropCircle(img image.Image, maxSize int) *image.RGBA {
	bounds := img.Bounds()
	side := min(bounds.Dx(), bounds.Dy())
	if side <= 0 {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	srcRect := image.Rect(0, 0, side, side).Add(image.Pt(
		bounds.Min.X+(bounds.Dx()-side)/2,
		bounds.Min.Y+(bounds.Dy()-side)/2,
	))
	size := side
	if maxSize > 0 && size > maxSize {
		size = maxSize
	}

	square := image.NewRGBA(image.Rect(0, 0, size, size))
	if size == side {
		draw.Copy(square, image.Point{}, img, srcRect, draw.Src, nil)
	} else {
		draw.CatmullRom.Scale(square, square.Bounds(), img, srcRect, draw.Src, nil)
	}

	out := image.NewRGBA(square.Bounds())
	radius := float32(size) / 2
	k := radius * kappa
	c := radius
	raster := vector.NewRasterizer(size, size)
	raster.DrawOp = draw.Src
	raster.MoveTo(c+radius, c)
	raster.CubeTo(c+radius, c+k, c+k, c+radius, c, c+radius)
	raster.CubeTo(c-k, c+radius, c-radius, c+k, c-radius, c)
	raster.CubeTo(c-radius, c-k, c-k, c-radius, c, c-radius)
	raster.CubeTo(c+k, c-radius, c+radius, c-k, c+radius, c)
	raster.ClosePath()
	raster.Draw(out, out.Bounds(), square, image.Point{})
	return out
}
