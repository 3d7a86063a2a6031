package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Derived raster layer names, also the cache directory names.
const (
	LayerSlope     = "slope"
	LayerAspect    = "aspect"
	LayerHillshade = "hillshade"
	LayerComposite = "composite"
)

// TerrainLayers cache/compute order
var TerrainLayers = []string{LayerSlope, LayerAspect, LayerHillshade, LayerComposite}

const terrainCacheDir = "terrain_analysis"

// TerrainCache tile-addressed png cache under
// {root}/terrain_analysis/{layer}/{z}/{x}/{y}.png
type TerrainCache struct {
	root string
}

func NewTerrainCache(root string) (*TerrainCache, error) {
	if err := os.MkdirAll(filepath.Join(root, terrainCacheDir), os.ModePerm); err != nil {
		return nil, fmt.Errorf("create terrain cache root %s: %w", root, err)
	}
	return &TerrainCache{root: root}, nil
}

func (c *TerrainCache) Root() string {
	return c.root
}

// Path cache file location for one derived tile
func (c *TerrainCache) Path(layer string, t TileCoord) string {
	return filepath.Join(c.root, terrainCacheDir, layer,
		fmt.Sprintf("%d", t.Z), fmt.Sprintf("%d", t.X), fmt.Sprintf("%d.png", t.Y))
}

// Get returns cached bytes for the tile, ok=false on miss.
func (c *TerrainCache) Get(layer string, t TileCoord) ([]byte, bool) {
	data, err := os.ReadFile(c.Path(layer, t))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Has reports whether every requested layer is cached for the tile.
func (c *TerrainCache) Has(t TileCoord, layers ...string) bool {
	for _, layer := range layers {
		if _, err := os.Stat(c.Path(layer, t)); err != nil {
			return false
		}
	}
	return true
}

// Put writes tile bytes through a temp file and renames it into place so a
// concurrent reader never observes a partial tile.
func (c *TerrainCache) Put(layer string, t TileCoord, data []byte) error {
	path := c.Path(layer, t)
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("create cache dir for %s %s: %w", layer, t.ToString(), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), fmt.Sprintf(".%d-*.tmp", t.Y))
	if err != nil {
		return fmt.Errorf("create temp for %s %s: %w", layer, t.ToString(), err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp for %s %s: %w", layer, t.ToString(), err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp for %s %s: %w", layer, t.ToString(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish %s %s: %w", layer, t.ToString(), err)
	}
	return nil
}
