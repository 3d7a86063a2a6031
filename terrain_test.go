package main

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// demServer serves the same terrarium tile for every request and counts hits.
func demServer(t *testing.T, grid *ElevationGrid) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	data, err := EncodeTerrarium(grid)
	require.NoError(t, err)
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	return srv, &hits
}

func terrainBounds() LngLatBbox {
	return LngLatBbox{West: 7.5, South: 45.95, East: 7.6, North: 46.0}
}

func TestTerrainSessionRun(t *testing.T) {
	confForTest(t)
	// gentle east-rising ramp so every derivative has signal
	srv, hits := demServer(t, rampGrid(64, 64, 15))
	defer srv.Close()
	viper.Set("terrain.endpoint", srv.URL)

	session, err := NewTerrainSession(terrainBounds(), 10)
	require.NoError(t, err)

	tiles := EnumerateTileCoords(terrainBounds(), 10, 10)
	require.NotEmpty(t, tiles)

	fin := make(chan error, 1)
	go func() { fin <- session.Run() }()

	var phases []string
	var last TerrainProgress
	for p := range session.Events() {
		if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
			phases = append(phases, p.Phase)
		}
		last = p
	}
	require.NoError(t, <-fin)

	assert.Equal(t, []string{PhaseDownloading, PhaseComputing, PhaseDone}, phases)
	assert.True(t, last.IsComplete())
	assert.Equal(t, len(tiles)*len(TerrainLayers), last.Total)
	assert.Empty(t, session.Errors())
	assert.Equal(t, int64(len(tiles)), hits.Load())

	for _, tile := range tiles {
		assert.True(t, session.Cache().Has(tile, TerrainLayers...), tile.ToString())
	}
}

func TestTerrainSessionIdempotent(t *testing.T) {
	confForTest(t)
	srv, hits := demServer(t, rampGrid(64, 64, 15))
	defer srv.Close()
	viper.Set("terrain.endpoint", srv.URL)

	first, err := NewTerrainSession(terrainBounds(), 10)
	require.NoError(t, err)
	fin := make(chan error, 1)
	go func() { fin <- first.Run() }()
	for range first.Events() {
	}
	require.NoError(t, <-fin)
	fetched := hits.Load()
	require.Greater(t, fetched, int64(0))

	// warm cache: no refetch, no recompute, but the same terminal event
	second, err := NewTerrainSession(terrainBounds(), 10)
	require.NoError(t, err)
	go func() { fin <- second.Run() }()
	var last TerrainProgress
	for p := range second.Events() {
		last = p
	}
	require.NoError(t, <-fin)
	assert.True(t, last.IsComplete())
	assert.Equal(t, fetched, hits.Load())
}

func TestTerrainSessionRecordsFetchErrors(t *testing.T) {
	confForTest(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	viper.Set("terrain.endpoint", srv.URL)

	session, err := NewTerrainSession(terrainBounds(), 10)
	require.NoError(t, err)
	fin := make(chan error, 1)
	go func() { fin <- session.Run() }()
	var last TerrainProgress
	for p := range session.Events() {
		last = p
	}
	require.NoError(t, <-fin)

	// missing DEM tiles are reported, not fatal; nothing gets computed
	assert.True(t, last.IsComplete())
	assert.Equal(t, 0, last.Total)
	assert.NotEmpty(t, session.Errors())
}

func TestNewTerrainSessionValidation(t *testing.T) {
	confForTest(t)
	_, err := NewTerrainSession(LngLatBbox{West: 8, South: 46, East: 7, North: 45}, 10)
	assert.Error(t, err)
	_, err = NewTerrainSession(terrainBounds(), -1)
	assert.Error(t, err)
}
