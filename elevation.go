package main

import (
	"image"
	"math"
)

// ElevationGrid row-major elevation raster in meters
type ElevationGrid struct {
	Width  int
	Height int
	Values []float64
}

// terrariumOffset terrarium encoding zero point
const terrariumOffset = 32768.0

// DecodeTerrarium decodes a terrarium-encoded raster into elevations:
// meters = R*256 + G + B/256 - 32768.
func DecodeTerrarium(img image.Image) *ElevationGrid {
	b := img.Bounds()
	g := &ElevationGrid{
		Width:  b.Dx(),
		Height: b.Dy(),
		Values: make([]float64, b.Dx()*b.Dy()),
	}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, gr, bl, _ := img.At(x, y).RGBA()
			r8 := float64(r >> 8)
			g8 := float64(gr >> 8)
			b8 := float64(bl >> 8)
			g.Values[i] = r8*256 + g8 + b8/256 - terrariumOffset
			i++
		}
	}
	return g
}

// At clamped access; edge pixels reuse the nearest in-grid sample, which is
// the boundary policy for every 3x3 derivative below.
func (g *ElevationGrid) At(x, y int) float64 {
	if x < 0 {
		x = 0
	}
	if x >= g.Width {
		x = g.Width - 1
	}
	if y < 0 {
		y = 0
	}
	if y >= g.Height {
		y = g.Height - 1
	}
	return g.Values[y*g.Width+x]
}

// gradients central differences in meters per meter. Row y+1 lies south of
// row y, so gy already carries the south-minus-north sign the aspect step
// expects.
func (g *ElevationGrid) gradients(x, y int, cellSize float64) (gx, gy float64) {
	gx = (g.At(x+1, y) - g.At(x-1, y)) / (2 * cellSize)
	gy = (g.At(x, y+1) - g.At(x, y-1)) / (2 * cellSize)
	return
}

// flatEps gradient magnitude below which terrain counts as flat
const flatEps = 1e-9

// SlopeGrid per-pixel slope in degrees for a ground cell size in meters.
func (g *ElevationGrid) SlopeGrid(cellSize float64) []float64 {
	out := make([]float64, len(g.Values))
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			gx, gy := g.gradients(x, y, cellSize)
			out[y*g.Width+x] = rad2deg(math.Atan(math.Sqrt(gx*gx + gy*gy)))
		}
	}
	return out
}

// AspectGrid per-pixel downslope compass direction in degrees, 0=north,
// 90=east. Flat cells get exactly -1.
func (g *ElevationGrid) AspectGrid(cellSize float64) []float64 {
	out := make([]float64, len(g.Values))
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			gx, gy := g.gradients(x, y, cellSize)
			if math.Abs(gx) < flatEps && math.Abs(gy) < flatEps {
				out[y*g.Width+x] = -1
				continue
			}
			a := rad2deg(math.Atan2(-gx, gy))
			if a < 0 {
				a += 360
			}
			out[y*g.Width+x] = a
		}
	}
	return out
}

// RuggednessGrid terrain ruggedness index: rms elevation difference to the
// 8 neighbors.
func (g *ElevationGrid) RuggednessGrid() []float64 {
	out := make([]float64, len(g.Values))
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			center := g.At(x, y)
			var sum float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					d := center - g.At(x+dx, y+dy)
					sum += d * d
				}
			}
			out[y*g.Width+x] = math.Sqrt(sum / 8)
		}
	}
	return out
}

// Illumination model constants: afternoon sun from the northwest.
const (
	sunAltitudeDeg = 45.0
	sunAzimuthDeg  = 315.0
)

// ComputeHillshade standard hillshade from slope and aspect grids, one byte
// per pixel, clamped to [0,255].
func ComputeHillshade(slopeDeg, aspectDeg []float64, w, h int) []uint8 {
	zenith := deg2rad(90 - sunAltitudeDeg)
	azimuth := deg2rad(sunAzimuthDeg)
	out := make([]uint8, w*h)
	for i := range out {
		slope := deg2rad(slopeDeg[i])
		shade := math.Cos(zenith) * math.Cos(slope)
		if aspectDeg[i] >= 0 {
			shade += math.Sin(zenith) * math.Sin(slope) * math.Cos(azimuth-deg2rad(aspectDeg[i]))
		}
		v := math.Round(255 * shade)
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		out[i] = uint8(v)
	}
	return out
}

// Ski-touring slope bins: gentle terrain green, 20-45 degrees yellow,
// steeper red.
const (
	slopeModerateDeg = 20.0
	slopeSteepDeg    = 45.0
)

func slopeColor(deg float64) (r, g, b uint8) {
	switch {
	case deg < slopeModerateDeg:
		return 0, 200, 0
	case deg < slopeSteepDeg:
		return 255, 255, 0
	default:
		return 255, 0, 0
	}
}

// ColorizeComposite RGBA composite of the slope ramp modulated by hillshade
// brightness. Output length is w*h*4.
func ColorizeComposite(slopeDeg []float64, shade []uint8, w, h int) []uint8 {
	out := make([]uint8, w*h*4)
	for i := 0; i < w*h; i++ {
		r, g, b := slopeColor(slopeDeg[i])
		// keep some base brightness so shaded faces stay readable
		f := 0.4 + 0.6*float64(shade[i])/255
		out[i*4+0] = uint8(float64(r) * f)
		out[i*4+1] = uint8(float64(g) * f)
		out[i*4+2] = uint8(float64(b) * f)
		out[i*4+3] = 255
	}
	return out
}

// aspect compass colors, 8 sectors plus gray for flat
var aspectSectors = []struct {
	upTo    float64
	r, g, b uint8
}{
	{22.5, 255, 0, 0},      // N
	{67.5, 255, 255, 0},    // NE
	{112.5, 0, 255, 0},     // E
	{157.5, 0, 255, 255},   // SE
	{202.5, 0, 0, 255},     // S
	{247.5, 255, 0, 255},   // SW
	{292.5, 255, 255, 255}, // W
	{337.5, 255, 165, 0},   // NW
	{360.1, 255, 0, 0},     // N wrap
}

// ColorizeAspect RGBA compass coloring of an aspect grid.
func ColorizeAspect(aspectDeg []float64, w, h int) []uint8 {
	out := make([]uint8, w*h*4)
	for i := 0; i < w*h; i++ {
		var r, g, b uint8 = 128, 128, 128
		if aspectDeg[i] >= 0 {
			for _, s := range aspectSectors {
				if aspectDeg[i] < s.upTo {
					r, g, b = s.r, s.g, s.b
					break
				}
			}
		}
		out[i*4+0] = r
		out[i*4+1] = g
		out[i*4+2] = b
		out[i*4+3] = 255
	}
	return out
}
