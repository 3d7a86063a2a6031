package main

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStyleServerServesDocuments(t *testing.T) {
	srv, err := NewStyleServer(nil)
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get(srv.URL() + "/style/topo-raster.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var doc StyleDoc
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, 8, doc.Version)
	require.Contains(t, doc.Sources, "raster-tiles")
	assert.Equal(t, SourceByID("topo-raster").URL, doc.Sources["raster-tiles"].Tiles[0])
}

func TestStyleServerComputedDocPointsBack(t *testing.T) {
	srv, err := NewStyleServer(nil)
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get(srv.URL() + "/style/terrain-hillshade.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc StyleDoc
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Contains(t, doc.Sources, "raster-tiles")
	// computed rasters resolve to this server's own terrain endpoint
	assert.Equal(t, srv.URL()+"/terrain/hillshade/{z}/{x}/{y}.png",
		doc.Sources["raster-tiles"].Tiles[0])
}

func TestStyleServerServesRegisteredSource(t *testing.T) {
	srv, err := NewStyleServer(nil)
	require.NoError(t, err)
	defer srv.Close()

	custom := MapSource{
		ID:                  "session-raster",
		Name:                "Session Raster",
		Kind:                SourceRasterXyz,
		URL:                 "http://tiles.example/{z}/{x}/{y}.png",
		OfflineDownloadable: true,
		Format:              PNG,
	}

	// unknown to the catalog until registered
	resp, err := http.Get(srv.URL() + "/style/session-raster.json")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	srv.Register(custom)
	resp, err = http.Get(srv.ResolveStyleURL(custom))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc StyleDoc
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Contains(t, doc.Sources, "raster-tiles")
	assert.Equal(t, custom.URL, doc.Sources["raster-tiles"].Tiles[0])
}

func TestStyleServerNotFound(t *testing.T) {
	srv, err := NewStyleServer(nil)
	require.NoError(t, err)
	defer srv.Close()

	for _, path := range []string{
		"/style/unknown.json",
		"/style/topo-raster.txt",
		"/terrain/slope/10/533/361.png", // no cache attached
	} {
		resp, err := http.Get(srv.URL() + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestStyleServerServesTerrainTiles(t *testing.T) {
	cache, err := NewTerrainCache(t.TempDir())
	require.NoError(t, err)
	tile := TileCoord{X: 533, Y: 361, Z: 10}
	require.NoError(t, cache.Put(LayerSlope, tile, []byte("png-bytes")))

	srv, err := NewStyleServer(cache)
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get(srv.URL() + "/terrain/slope/10/533/361.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), body)

	// miss on another layer
	resp, err = http.Get(srv.URL() + "/terrain/aspect/10/533/361.png")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResolveStyleURL(t *testing.T) {
	srv, err := NewStyleServer(nil)
	require.NoError(t, err)
	defer srv.Close()

	vector := SourceByID("hike-vector")
	assert.Equal(t, vector.URL, srv.ResolveStyleURL(vector))

	raster := SourceByID("topo-raster")
	assert.Equal(t, srv.URL()+"/style/topo-raster.json", srv.ResolveStyleURL(raster))
}

func TestStyleServerClose(t *testing.T) {
	srv, err := NewStyleServer(nil)
	require.NoError(t, err)
	srv.Close()

	_, err = http.Get(srv.URL() + "/style/topo-raster.json")
	assert.Error(t, err)
}
