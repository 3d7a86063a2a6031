package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTerrarium(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 128, G: 0, B: 0, A: 255})   // sea level
	img.SetRGBA(1, 0, color.RGBA{R: 131, G: 232, B: 0, A: 255}) // 1000 m
	img.SetRGBA(2, 0, color.RGBA{R: 139, G: 184, B: 0, A: 255}) // 3000 m

	g := DecodeTerrarium(img)
	require.Equal(t, 3, g.Width)
	require.Equal(t, 1, g.Height)
	assert.InDelta(t, 0, g.Values[0], 0.5)
	assert.InDelta(t, 1000, g.Values[1], 0.5)
	assert.InDelta(t, 3000, g.Values[2], 0.5)
}

func TestTerrariumRoundtrip(t *testing.T) {
	g := flatGrid(4, 4, 2534)
	data, err := EncodeTerrarium(g)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	back := DecodeTerrarium(img)
	for i := range back.Values {
		assert.InDelta(t, 2534, back.Values[i], 0.5)
	}
}

func flatGrid(w, h int, elev float64) *ElevationGrid {
	g := &ElevationGrid{Width: w, Height: h, Values: make([]float64, w*h)}
	for i := range g.Values {
		g.Values[i] = elev
	}
	return g
}

// rampGrid rises eastward by rise meters per cell.
func rampGrid(w, h int, rise float64) *ElevationGrid {
	g := &ElevationGrid{Width: w, Height: h, Values: make([]float64, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.Values[y*w+x] = rise * float64(x)
		}
	}
	return g
}

func TestGridAtClampsEdges(t *testing.T) {
	g := rampGrid(4, 4, 10)
	assert.Equal(t, g.At(0, 0), g.At(-1, -5))
	assert.Equal(t, g.At(3, 3), g.At(10, 10))
}

func TestFlatTerrain(t *testing.T) {
	g := flatGrid(5, 5, 1200)
	slope := g.SlopeGrid(30)
	aspect := g.AspectGrid(30)
	tri := g.RuggednessGrid()
	for i := range slope {
		assert.Equal(t, 0.0, slope[i])
		assert.Equal(t, -1.0, aspect[i])
		assert.Equal(t, 0.0, tri[i])
	}
}

func TestSlopeOnRamp(t *testing.T) {
	// 15 m rise per 30 m cell: gradient 0.5, slope atan(0.5) = 26.57 deg
	g := rampGrid(5, 5, 15)
	slope := g.SlopeGrid(30)
	center := slope[2*5+2]
	assert.Greater(t, center, 20.0)
	assert.Less(t, center, 30.0)
	assert.InDelta(t, 26.565, center, 0.01)
}

func TestAspectDirections(t *testing.T) {
	// terrain rising east drains west
	east := rampGrid(5, 5, 15)
	aspect := east.AspectGrid(30)
	assert.InDelta(t, 270, aspect[2*5+2], 0.01)

	// terrain rising southward drains north
	south := &ElevationGrid{Width: 5, Height: 5, Values: make([]float64, 25)}
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			south.Values[y*5+x] = 15 * float64(y)
		}
	}
	aspect = south.AspectGrid(30)
	assert.InDelta(t, 0, aspect[2*5+2], 0.01)
}

func TestHillshadeFlat(t *testing.T) {
	g := flatGrid(4, 4, 500)
	slope := g.SlopeGrid(30)
	aspect := g.AspectGrid(30)
	shade := ComputeHillshade(slope, aspect, 4, 4)
	for _, v := range shade {
		// flat ground lit at 45 degrees: 255*cos(45) = 180
		assert.Equal(t, uint8(180), v)
	}
}

func TestHillshadeFavorsNorthwestFaces(t *testing.T) {
	// ridge: west half drains northwest toward the sun, east half away
	g := &ElevationGrid{Width: 9, Height: 9, Values: make([]float64, 81)}
	for y := 0; y < 9; y++ {
		for x := 0; x < 9; x++ {
			d := x - 4
			if d < 0 {
				d = -d
			}
			g.Values[y*9+x] = -15 * float64(d)
		}
	}
	slope := g.SlopeGrid(30)
	aspect := g.AspectGrid(30)
	shade := ComputeHillshade(slope, aspect, 9, 9)
	westFace := shade[4*9+2]
	eastFace := shade[4*9+6]
	assert.Greater(t, westFace, eastFace)
}

func TestSlopeColorBins(t *testing.T) {
	r, g, b := slopeColor(10)
	assert.Equal(t, [3]uint8{0, 200, 0}, [3]uint8{r, g, b})
	r, g, b = slopeColor(30)
	assert.Equal(t, [3]uint8{255, 255, 0}, [3]uint8{r, g, b})
	r, g, b = slopeColor(50)
	assert.Equal(t, [3]uint8{255, 0, 0}, [3]uint8{r, g, b})
	// bin edges belong to the steeper class
	r, g, b = slopeColor(20)
	assert.Equal(t, [3]uint8{255, 255, 0}, [3]uint8{r, g, b})
	r, g, b = slopeColor(45)
	assert.Equal(t, [3]uint8{255, 0, 0}, [3]uint8{r, g, b})
}

func TestColorizeComposite(t *testing.T) {
	slope := []float64{10, 30, 50, 0}
	shade := []uint8{255, 255, 255, 0}
	pix := ColorizeComposite(slope, shade, 2, 2)
	require.Len(t, pix, 2*2*4)
	// full light keeps the raw ramp color
	assert.Equal(t, uint8(0), pix[0])
	assert.Equal(t, uint8(200), pix[1])
	// darkest shade keeps 40% base brightness
	assert.Equal(t, uint8(0.4*200), pix[3*4+1])
	for i := 0; i < 4; i++ {
		assert.Equal(t, uint8(255), pix[i*4+3])
	}
}

func TestColorizeAspect(t *testing.T) {
	aspect := []float64{-1, 0, 90, 350}
	pix := ColorizeAspect(aspect, 2, 2)
	require.Len(t, pix, 2*2*4)
	// flat is gray
	assert.Equal(t, []uint8{128, 128, 128, 255}, pix[0:4])
	// north is red, on both sides of the wrap
	assert.Equal(t, []uint8{255, 0, 0, 255}, pix[4:8])
	assert.Equal(t, []uint8{255, 0, 0, 255}, pix[12:16])
	// east is green
	assert.Equal(t, []uint8{0, 255, 0, 255}, pix[8:12])
}

func TestRuggedness(t *testing.T) {
	g := flatGrid(3, 3, 100)
	g.Values[4] = 110
	tri := g.RuggednessGrid()
	// center differs from all 8 neighbors by 10
	assert.InDelta(t, 10, tri[4], 1e-9)
}
