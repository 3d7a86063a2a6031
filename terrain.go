package main

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Terrain session phases
const (
	PhaseDownloading = "downloading"
	PhaseComputing   = "computing"
	PhaseDone        = "done"
)

// TerrainProgress snapshot of one terrain session phase
type TerrainProgress struct {
	Phase   string `json:"phase"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Layer   string `json:"layer,omitempty"`
}

// Fraction completed share of the current phase, 0 for an empty phase
func (p TerrainProgress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total)
}

// IsComplete terminal snapshot check
func (p TerrainProgress) IsComplete() bool {
	return p.Phase == PhaseDone && p.Current == p.Total
}

// TerrainSession computes derived raster layers for one region at one zoom:
// fetch terrarium DEM tiles, decode, derive slope/aspect/hillshade/composite,
// persist to the tile-addressed png cache. Re-running over a warm cache is a
// no-op per tile.
type TerrainSession struct {
	Bound LngLatBbox
	Zoom  int

	endpoint    string
	cache       *TerrainCache
	workerCount int
	retryDelay  time.Duration
	client      *http.Client
	events      chan TerrainProgress
	abort       chan struct{}
	abortOnce   sync.Once

	errMu   sync.Mutex
	errSeen map[string]struct{}
	errList []string
}

func NewTerrainSession(b LngLatBbox, zoom int) (*TerrainSession, error) {
	if !b.IsValid() {
		return nil, errors.New("terrain region has invalid bounds")
	}
	if zoom < 0 {
		return nil, fmt.Errorf("terrain zoom %d is negative", zoom)
	}
	cache, err := NewTerrainCache(viper.GetString("cache.root"))
	if err != nil {
		return nil, err
	}
	s := &TerrainSession{
		Bound:       b,
		Zoom:        zoom,
		endpoint:    strings.TrimSuffix(viper.GetString("terrain.endpoint"), "/"),
		cache:       cache,
		workerCount: viper.GetInt("task.workers"),
		retryDelay:  viper.GetDuration("task.retrydelay"),
		abort:       make(chan struct{}),
		events:      make(chan TerrainProgress, 64),
		errSeen:     make(map[string]struct{}),
		client: &http.Client{
			Timeout: time.Minute * 2,
		},
	}
	return s, nil
}

// Cache the session's tile cache, shared with the loopback tile endpoint.
func (s *TerrainSession) Cache() *TerrainCache {
	return s.cache
}

// Events single-consumer progress stream, closed on termination.
func (s *TerrainSession) Events() <-chan TerrainProgress {
	return s.events
}

// Cancel cooperative cancellation, observed between tiles.
func (s *TerrainSession) Cancel() {
	s.abortOnce.Do(func() {
		close(s.abort)
	})
}

// Errors deduplicated per-tile error messages
func (s *TerrainSession) Errors() []string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	out := make([]string, len(s.errList))
	copy(out, s.errList)
	return out
}

func (s *TerrainSession) recordErr(msg string) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if _, seen := s.errSeen[msg]; seen {
		return
	}
	s.errSeen[msg] = struct{}{}
	s.errList = append(s.errList, msg)
}

func (s *TerrainSession) emit(p TerrainProgress) {
	select {
	case s.events <- p:
	case <-s.abort:
		select {
		case s.events <- p:
		default:
		}
	}
}

// demURL terrarium tile endpoint, templated by z/x/y
func (s *TerrainSession) demURL(t TileCoord) string {
	return fmt.Sprintf("%s/%d/%d/%d.png", s.endpoint, t.Z, t.X, t.Y)
}

func (s *TerrainSession) fetchDem(t TileCoord) (*ElevationGrid, error) {
	get := func() (*ElevationGrid, bool, error) {
		resp, err := s.client.Get(s.demURL(t))
		if err != nil {
			return nil, true, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, resp.StatusCode >= 500, fmt.Errorf("resp %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, err
		}
		img, _, err := image.Decode(bytes.NewReader(body))
		if err != nil {
			return nil, false, fmt.Errorf("decode: %s", err)
		}
		return DecodeTerrarium(img), false, nil
	}
	grid, retryable, err := get()
	if err != nil && retryable {
		time.Sleep(s.retryDelay)
		select {
		case <-s.abort:
			return nil, err
		default:
		}
		grid, _, err = get()
	}
	return grid, err
}

// groundCellSize meters per pixel at the tile's center latitude, for a tile
// decoded to pixels×pixels.
func (s *TerrainSession) groundCellSize(t TileCoord, pixels int) float64 {
	if pixels <= 0 {
		pixels = TileSize
	}
	north := TileYToLat(t.Y, t.Z)
	south := TileYToLat(t.Y+1, t.Z)
	lat := deg2rad((north + south) / 2)
	return math.Cos(lat) * 2 * math.Pi * radius / (float64(pixels) * math.Exp2(float64(t.Z)))
}

type demResult struct {
	tile   TileCoord
	grid   *ElevationGrid
	cached bool
	err    error
}

type layerDone struct {
	layer string
	err   error
}

// Run drives the session to completion: a downloading phase with one event
// per DEM tile, a computing phase with one event per derived tile, then a
// terminal done event.
func (s *TerrainSession) Run() error {
	defer close(s.events)
	tiles := EnumerateTileCoords(s.Bound, s.Zoom, s.Zoom)
	total := len(tiles)
	log.Infof("terrain session: %d DEM tiles at zoom %d", total, s.Zoom)

	workers := make(chan struct{}, s.workerCount)
	done := make(chan demResult, s.workerCount)
	var wg sync.WaitGroup
	go func() {
		for _, t := range tiles {
			select {
			case <-s.abort:
				return
			case workers <- struct{}{}:
				wg.Add(1)
				go func(t TileCoord) {
					defer func() {
						wg.Done()
						<-workers
					}()
					if s.cache.Has(t, TerrainLayers...) {
						s.deliver(done, demResult{tile: t, cached: true})
						return
					}
					grid, err := s.fetchDem(t)
					if err != nil {
						err = fmt.Errorf("dem tile %s: %s", t.ToString(), err)
					}
					s.deliver(done, demResult{tile: t, grid: grid, err: err})
				}(t)
			}
		}
	}()

	var ready []demResult
	completed := 0
	for completed < total {
		select {
		case r := <-done:
			completed++
			if r.err != nil {
				s.recordErr(r.err.Error())
				log.Errorf("%s ~", r.err)
			} else {
				ready = append(ready, r)
			}
			s.emit(TerrainProgress{Phase: PhaseDownloading, Current: completed, Total: total})
		case <-s.abort:
			log.Infof("terrain session canceled during download")
			return nil
		}
	}
	wg.Wait()

	computeTotal := len(ready) * len(TerrainLayers)
	layerEvents := make(chan layerDone, s.workerCount)
	go func() {
		for _, r := range ready {
			select {
			case <-s.abort:
				return
			case workers <- struct{}{}:
				wg.Add(1)
				go func(r demResult) {
					defer func() {
						wg.Done()
						<-workers
					}()
					s.computeTile(r, layerEvents)
				}(r)
			}
		}
	}()

	computed := 0
	for computed < computeTotal {
		select {
		case ld := <-layerEvents:
			computed++
			if ld.err != nil {
				s.recordErr(ld.err.Error())
				log.Errorf("%s ~", ld.err)
			}
			s.emit(TerrainProgress{Phase: PhaseComputing, Current: computed, Total: computeTotal, Layer: ld.layer})
		case <-s.abort:
			log.Infof("terrain session canceled during compute")
			return nil
		}
	}
	wg.Wait()

	s.emit(TerrainProgress{Phase: PhaseDone, Current: computeTotal, Total: computeTotal})
	log.Infof("terrain session finished, %d derived tiles", computeTotal)
	return nil
}

func (s *TerrainSession) deliver(done chan<- demResult, r demResult) {
	select {
	case done <- r:
	case <-s.abort:
	}
}

// computeTile derives and caches all layers for one tile. A tile whose
// layers are already cached reports each layer without recomputing.
func (s *TerrainSession) computeTile(r demResult, events chan<- layerDone) {
	report := func(layer string, err error) {
		select {
		case events <- layerDone{layer, err}:
		case <-s.abort:
		}
	}
	if r.cached {
		for _, layer := range TerrainLayers {
			report(layer, nil)
		}
		return
	}
	g := r.grid
	cellSize := s.groundCellSize(r.tile, g.Width)
	slope := g.SlopeGrid(cellSize)
	aspect := g.AspectGrid(cellSize)
	shade := ComputeHillshade(slope, aspect, g.Width, g.Height)
	composite := ColorizeComposite(slope, shade, g.Width, g.Height)

	put := func(layer string, data []byte, encErr error) {
		if encErr != nil {
			report(layer, fmt.Errorf("%s tile %s: encode: %s", layer, r.tile.ToString(), encErr))
			return
		}
		if err := s.cache.Put(layer, r.tile, data); err != nil {
			report(layer, err)
			return
		}
		report(layer, nil)
	}
	data, err := encodeGrayPNG(slopeToGray(slope), g.Width, g.Height)
	put(LayerSlope, data, err)
	data, err = encodeRGBAPNG(ColorizeAspect(aspect, g.Width, g.Height), g.Width, g.Height)
	put(LayerAspect, data, err)
	data, err = encodeGrayPNG(shade, g.Width, g.Height)
	put(LayerHillshade, data, err)
	data, err = encodeRGBAPNG(composite, g.Width, g.Height)
	put(LayerComposite, data, err)
}

// slopeToGray maps 0-90 degrees onto the full byte range for display.
func slopeToGray(slopeDeg []float64) []uint8 {
	out := make([]uint8, len(slopeDeg))
	for i, v := range slopeDeg {
		g := math.Round(v / 90 * 255)
		if g > 255 {
			g = 255
		}
		out[i] = uint8(g)
	}
	return out
}

func encodeGrayPNG(vals []uint8, w, h int) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, w, h))
	copy(img.Pix, vals)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeRGBAPNG(pix []uint8, w, h int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(img.Pix, pix)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTerrarium packs an elevation grid back into terrarium rgb, used by
// the tests and the cache seeding tool.
func EncodeTerrarium(g *ElevationGrid) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			v := g.Values[y*g.Width+x] + terrariumOffset
			if v < 0 {
				v = 0
			}
			r := uint8(int(v/256) & 0xff)
			gr := uint8(int(v) % 256)
			b := uint8(int(math.Floor((v-math.Floor(v))*256)) & 0xff)
			img.SetRGBA(x, y, color.RGBA{R: r, G: gr, B: b, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
