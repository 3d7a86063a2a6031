package main

import (
	"fmt"
	"strconv"
	"strings"
)

// SourceKind tagged variant for source polymorphism
type SourceKind int

const (
	SourceVector SourceKind = iota
	SourceRasterXyz
	SourceWms
	SourceComputedRaster
)

func (k SourceKind) String() string {
	switch k {
	case SourceVector:
		return "vector"
	case SourceRasterXyz:
		return "rasterXyz"
	case SourceWms:
		return "wms"
	case SourceComputedRaster:
		return "computedRaster"
	}
	return "unknown"
}

// DefaultAvgTileSize bytes per tile assumed when a source declares none
const DefaultAvgTileSize int64 = 25000

// MapSource one catalog entry. Entries are immutable, built at process start.
type MapSource struct {
	ID                  string
	Name                string
	Kind                SourceKind
	URL                 string
	Attribution         string
	TileSize            int
	AvgTileSize         int64
	OfflineDownloadable bool
	NeedsComputation    bool
	WmsLayers           string
	WmsFormat           string
	// Format wire format of fetched tiles (png/jpg/pbf)
	Format string
	// TileTemplate tile endpoint for vector sources whose URL is a style
	// document rather than an XYZ template
	TileTemplate string
	// TerrainLayer backs computedRaster sources served from the terrain cache
	TerrainLayer string
}

// sourceCatalog static ordered registry. The first entry is the fallback
// for unknown ids.
var sourceCatalog = []MapSource{
	{
		ID:                  "hike-vector",
		Name:                "Hiking Base",
		Kind:                SourceVector,
		URL:                 "https://tiles.mapcloud.cn/styles/outdoor/style.json",
		Attribution:         `<a href="http://www.atlasdata.cn/" target="_blank">&copy; MapCloud</a>`,
		TileSize:            512,
		AvgTileSize:         45000,
		OfflineDownloadable: true,
		Format:              PBF,
		TileTemplate:        "https://tiles.mapcloud.cn/data/outdoor/{z}/{x}/{y}.pbf",
	},
	{
		ID:                  "topo-raster",
		Name:                "Topo Raster",
		Kind:                SourceRasterXyz,
		URL:                 "https://tiles.mapcloud.cn/topo/{z}/{x}/{y}.png",
		Attribution:         "&copy; MapCloud Topo",
		TileSize:            256,
		AvgTileSize:         25000,
		OfflineDownloadable: true,
		Format:              PNG,
	},
	{
		ID:                  "ortho-wms",
		Name:                "Aerial Orthophoto",
		Kind:                SourceWms,
		URL:                 "https://geo.provincia.example/wms?map=ortho",
		Attribution:         "&copy; Provincial Orthophoto",
		TileSize:            256,
		AvgTileSize:         60000,
		OfflineDownloadable: true,
		WmsLayers:           "ortofoto",
		WmsFormat:           "image/jpeg",
		Format:              JPG,
	},
	{
		ID:          "contours",
		Name:        "Contour Lines",
		Kind:        SourceRasterXyz,
		URL:         "https://contours.example.com/{z}/{x}/{y}.png",
		Attribution: "&copy; Contours (no bulk access)",
		TileSize:    256,
		AvgTileSize: 15000,
		// provider blocks bulk download
		OfflineDownloadable: false,
	},
	{
		ID:               "terrain-slope",
		Name:             "Slope Classes",
		Kind:             SourceComputedRaster,
		TileSize:         256,
		NeedsComputation: true,
		TerrainLayer:     LayerSlope,
	},
	{
		ID:               "terrain-aspect",
		Name:             "Aspect",
		Kind:             SourceComputedRaster,
		TileSize:         256,
		NeedsComputation: true,
		TerrainLayer:     LayerAspect,
	},
	{
		ID:               "terrain-hillshade",
		Name:             "Hillshade",
		Kind:             SourceComputedRaster,
		TileSize:         256,
		NeedsComputation: true,
		TerrainLayer:     LayerHillshade,
	},
	{
		ID:               "terrain-composite",
		Name:             "Terrain Composite",
		Kind:             SourceComputedRaster,
		TileSize:         256,
		NeedsComputation: true,
		TerrainLayer:     LayerComposite,
	},
}

// Sources returns the catalog in registration order.
func Sources() []MapSource {
	return sourceCatalog
}

func lookupSource(id string) (MapSource, bool) {
	for _, s := range sourceCatalog {
		if s.ID == id {
			return s, true
		}
	}
	return MapSource{}, false
}

// SourceByID catalog lookup, falls back to the first entry so callers
// never handle a missing source.
func SourceByID(id string) MapSource {
	if s, ok := lookupSource(id); ok {
		return s
	}
	return sourceCatalog[0]
}

func (s MapSource) avgTileSize() int64 {
	if s.AvgTileSize > 0 {
		return s.AvgTileSize
	}
	return DefaultAvgTileSize
}

func (s MapSource) tileSize() int {
	if s.TileSize > 0 {
		return s.TileSize
	}
	return TileSize
}

// TileURL resolves the fetch URL for one tile of this source.
func (s MapSource) TileURL(t TileCoord) string {
	if s.Kind == SourceWms {
		return WmsGetMapURL(s, t)
	}
	tpl := s.URL
	if s.TileTemplate != "" {
		tpl = s.TileTemplate
	}
	u := strings.Replace(tpl, "{x}", strconv.Itoa(t.X), -1)
	u = strings.Replace(u, "{y}", strconv.Itoa(t.Y), -1)
	u = strings.Replace(u, "{z}", strconv.Itoa(t.Z), -1)
	return u
}

// WmsGetMapURL builds a WMS 1.1.0 GetMap request for the tile footprint in
// EPSG:3857 meters. Parameter order is fixed; the joining separator depends
// on whether the base endpoint already carries a query string.
func WmsGetMapURL(s MapSource, t TileCoord) string {
	minX, minY, maxX, maxY := TileEpsg3857BBox(t.Z, t.X, t.Y)
	sep := "?"
	if strings.Contains(s.URL, "?") {
		sep = "&"
	}
	format := s.WmsFormat
	if format == "" {
		format = "image/png"
	}
	bbox := strings.Join([]string{
		strconv.FormatFloat(minX, 'f', -1, 64),
		strconv.FormatFloat(minY, 'f', -1, 64),
		strconv.FormatFloat(maxX, 'f', -1, 64),
		strconv.FormatFloat(maxY, 'f', -1, 64),
	}, ",")
	return fmt.Sprintf("%s%sSERVICE=WMS&VERSION=1.1.0&REQUEST=GetMap&LAYERS=%s&SRS=EPSG:3857&WIDTH=%d&HEIGHT=%d&FORMAT=%s&BBOX=%s",
		s.URL, sep, s.WmsLayers, s.tileSize(), s.tileSize(), format, bbox)
}

// StyleDoc minimal mapbox-gl style document, built as a typed value and
// serialized with encoding/json so attribution text never needs escaping
// by hand.
type StyleDoc struct {
	Version int                    `json:"version"`
	Name    string                 `json:"name"`
	Sources map[string]StyleSource `json:"sources"`
	Layers  []StyleLayer           `json:"layers"`
}

type StyleSource struct {
	Type        string   `json:"type"`
	Tiles       []string `json:"tiles,omitempty"`
	TileSize    int      `json:"tileSize,omitempty"`
	Attribution string   `json:"attribution,omitempty"`
}

type StyleLayer struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Source string `json:"source"`
}

// BuildStyleDoc synthesizes the style document for a non-vector source.
// localBase is the loopback server base URL, used for computed rasters.
// WMS sources used as pure overlay references get an empty source set.
func BuildStyleDoc(s MapSource, localBase string) StyleDoc {
	doc := StyleDoc{
		Version: 8,
		Name:    s.Name,
		Sources: map[string]StyleSource{},
		Layers:  []StyleLayer{},
	}
	var tiles string
	switch s.Kind {
	case SourceRasterXyz:
		tiles = s.URL
	case SourceComputedRaster:
		tiles = fmt.Sprintf("%s/terrain/%s/{z}/{x}/{y}.png", localBase, s.TerrainLayer)
	case SourceWms:
		// overlay reference only, not a renderable base style
		return doc
	default:
		return doc
	}
	doc.Sources["raster-tiles"] = StyleSource{
		Type:        "raster",
		Tiles:       []string{tiles},
		TileSize:    s.tileSize(),
		Attribution: s.Attribution,
	}
	doc.Layers = append(doc.Layers, StyleLayer{
		ID:     s.ID + "-layer",
		Type:   "raster",
		Source: "raster-tiles",
	})
	return doc
}
