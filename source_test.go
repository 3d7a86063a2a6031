package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceLookup(t *testing.T) {
	src, ok := lookupSource("topo-raster")
	require.True(t, ok)
	assert.Equal(t, SourceRasterXyz, src.Kind)

	_, ok = lookupSource("nope")
	assert.False(t, ok)

	// unknown ids fall back to the first catalog entry
	fallback := SourceByID("nope")
	assert.Equal(t, sourceCatalog[0].ID, fallback.ID)
}

func TestTileURLTemplates(t *testing.T) {
	raster := SourceByID("topo-raster")
	assert.Equal(t, "https://tiles.mapcloud.cn/topo/12/2133/1441.png",
		raster.TileURL(TileCoord{X: 2133, Y: 1441, Z: 12}))

	// vector sources fetch from the tile template, not the style document
	vector := SourceByID("hike-vector")
	u := vector.TileURL(TileCoord{X: 2133, Y: 1441, Z: 12})
	assert.Equal(t, "https://tiles.mapcloud.cn/data/outdoor/12/2133/1441.pbf", u)
}

func TestWmsGetMapURL(t *testing.T) {
	src := SourceByID("ortho-wms")
	u := WmsGetMapURL(src, TileCoord{X: 2133, Y: 1441, Z: 12})

	// base endpoint already has a query string, so params join with &
	assert.True(t, strings.HasPrefix(u, src.URL+"&SERVICE=WMS"))
	assert.Contains(t, u, "LAYERS=ortofoto")
	assert.Contains(t, u, "FORMAT=image/jpeg")
	assert.Contains(t, u, "WIDTH=256")
	assert.Contains(t, u, "HEIGHT=256")

	// fixed parameter order
	order := []string{"SERVICE=", "VERSION=1.1.0", "REQUEST=GetMap", "LAYERS=",
		"SRS=EPSG:3857", "WIDTH=", "HEIGHT=", "FORMAT=", "BBOX="}
	last := -1
	for _, p := range order {
		idx := strings.Index(u, p)
		require.GreaterOrEqual(t, idx, 0, p)
		assert.Greater(t, idx, last, "%s out of order", p)
		last = idx
	}
}

func TestWmsSeparatorWithoutQuery(t *testing.T) {
	src := MapSource{
		Kind:      SourceWms,
		URL:       "https://wms.example.com/service",
		WmsLayers: "base",
	}
	u := WmsGetMapURL(src, TileCoord{X: 0, Y: 0, Z: 0})
	assert.True(t, strings.HasPrefix(u, "https://wms.example.com/service?SERVICE=WMS"))
	// undeclared format defaults to png
	assert.Contains(t, u, "FORMAT=image/png")
}

func TestWmsBBoxMatchesTileFootprint(t *testing.T) {
	src := SourceByID("ortho-wms")
	u := WmsGetMapURL(src, TileCoord{X: 0, Y: 0, Z: 0})
	idx := strings.Index(u, "BBOX=")
	require.GreaterOrEqual(t, idx, 0)
	parts := strings.Split(u[idx+len("BBOX="):], ",")
	require.Len(t, parts, 4)
	assert.Equal(t, "-20037508.342789244", parts[0])
	assert.Equal(t, "20037508.342789244", parts[3])
}

func TestBuildStyleDocRaster(t *testing.T) {
	doc := BuildStyleDoc(SourceByID("topo-raster"), "http://127.0.0.1:9999")
	assert.Equal(t, 8, doc.Version)
	require.Contains(t, doc.Sources, "raster-tiles")
	require.Len(t, doc.Sources["raster-tiles"].Tiles, 1)
	assert.Equal(t, SourceByID("topo-raster").URL, doc.Sources["raster-tiles"].Tiles[0])
	require.Len(t, doc.Layers, 1)
	assert.Equal(t, "raster", doc.Layers[0].Type)
}

func TestBuildStyleDocComputed(t *testing.T) {
	doc := BuildStyleDoc(SourceByID("terrain-slope"), "http://127.0.0.1:9999")
	require.Contains(t, doc.Sources, "raster-tiles")
	assert.Equal(t, "http://127.0.0.1:9999/terrain/slope/{z}/{x}/{y}.png",
		doc.Sources["raster-tiles"].Tiles[0])
}

func TestBuildStyleDocWmsIsOverlayOnly(t *testing.T) {
	doc := BuildStyleDoc(SourceByID("ortho-wms"), "http://127.0.0.1:9999")
	assert.Empty(t, doc.Sources)
	assert.Empty(t, doc.Layers)
}

func TestCatalogFlags(t *testing.T) {
	contours := SourceByID("contours")
	assert.False(t, contours.OfflineDownloadable)
	for _, id := range []string{"terrain-slope", "terrain-aspect", "terrain-hillshade", "terrain-composite"} {
		src := SourceByID(id)
		assert.True(t, src.NeedsComputation, id)
		assert.Equal(t, SourceComputedRaster, src.Kind, id)
		assert.NotEmpty(t, src.TerrainLayer, id)
	}
}
