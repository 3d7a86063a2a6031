package main

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

const threeSixty float64 = 360.0
const oneEighty float64 = 180.0
const radius float64 = 6378137.0
const webMercatorLatLimit float64 = 85.05112877980659
const originShift float64 = math.Pi * radius

// metersPerDegreeLat planar approximation for bbox buffering
const metersPerDegreeLat float64 = 111000.0

// LngLatBbox bounding box in decimal degrees
type LngLatBbox struct {
	West  float64 `json:"west"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
	South float64 `json:"south"`
}

// IsValid reports whether the box spans a non-empty area
func (b *LngLatBbox) IsValid() bool {
	return b.South < b.North && b.West < b.East
}

// Intersects returns true if this bounding box intersects with the other bounding box.
func (b *LngLatBbox) Intersects(o *LngLatBbox) bool {
	latOverlaps := (o.North > b.South) && (o.South < b.North)
	lngOverlaps := (o.East > b.West) && (o.West < b.East)
	return latOverlaps && lngOverlaps
}

func deg2rad(deg float64) float64 {
	return deg * (math.Pi / oneEighty)
}

func rad2deg(rad float64) float64 {
	return rad * (oneEighty / math.Pi)
}

func clampF(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampTileIndex(i, zoom int) int {
	max := (1 << zoom) - 1
	if i < 0 {
		return 0
	}
	if i > max {
		return max
	}
	return i
}

// LonToTileX returns the tile column containing lon at zoom.
// Output is clamped to [0, 2^z-1]; clamping rather than wrapping keeps
// tileX(east) >= tileX(west) so range enumeration stays monotonic.
func LonToTileX(lon float64, zoom int) int {
	n := math.Exp2(float64(zoom))
	x := int(math.Floor((lon + oneEighty) / threeSixty * n))
	return clampTileIndex(x, zoom)
}

// LatToTileY returns the tile row containing lat at zoom. Latitude is
// clamped to the web mercator limit before the transform.
func LatToTileY(lat float64, zoom int) int {
	lat = clampF(lat, -webMercatorLatLimit, webMercatorLatLimit)
	latRad := deg2rad(lat)
	n := math.Exp2(float64(zoom))
	y := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+(1.0/math.Cos(latRad)))/math.Pi) / 2.0 * n))
	return clampTileIndex(y, zoom)
}

// TileXToLon returns the longitude of the west edge of column x.
func TileXToLon(x, zoom int) float64 {
	n := math.Exp2(float64(zoom))
	return float64(x)/n*threeSixty - oneEighty
}

// TileYToLat returns the latitude of the north edge of row y.
func TileYToLat(y, zoom int) float64 {
	n := math.Exp2(float64(zoom))
	latRad := math.Atan(math.Sinh(math.Pi * (1 - (2 * float64(y) / n))))
	return rad2deg(latRad)
}

func tileRange(b LngLatBbox, zoom int) (x0, x1, y0, y1 int) {
	x0 = LonToTileX(b.West, zoom)
	x1 = LonToTileX(b.East, zoom)
	// north edge maps to the smaller row index
	y0 = LatToTileY(b.North, zoom)
	y1 = LatToTileY(b.South, zoom)
	return
}

// CountTilesInBBox tile count per zoom level
func CountTilesInBBox(b LngLatBbox, minZoom, maxZoom int) map[int]int {
	counts := make(map[int]int, maxZoom-minZoom+1)
	for z := minZoom; z <= maxZoom; z++ {
		x0, x1, y0, y1 := tileRange(b, z)
		counts[z] = (x1 - x0 + 1) * (y1 - y0 + 1)
	}
	return counts
}

// EnumerateTileCoords lists every tile intersecting b across the zoom range,
// ordered zoom ascending, then column, then row. Ordering is part of the
// contract; the download planner and the tests depend on it.
func EnumerateTileCoords(b LngLatBbox, minZoom, maxZoom int) []TileCoord {
	var tiles []TileCoord
	for z := minZoom; z <= maxZoom; z++ {
		x0, x1, y0, y1 := tileRange(b, z)
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				tiles = append(tiles, TileCoord{X: x, Y: y, Z: z})
			}
		}
	}
	return tiles
}

// ComputeRouteBBox min/max reduction over route points, ok=false for empty input
func ComputeRouteBBox(points []orb.Point) (LngLatBbox, bool) {
	if len(points) == 0 {
		return LngLatBbox{}, false
	}
	bound := orb.MultiPoint(points).Bound()
	return LngLatBbox{
		West:  bound.Min[0],
		South: bound.Min[1],
		East:  bound.Max[0],
		North: bound.Max[1],
	}, true
}

// ComputeBufferedBBox expands b by bufferMeters on every side using a planar
// approximation, longitude scaled by cos of the center latitude. The result
// is clamped to the usable web mercator range.
func ComputeBufferedBBox(b LngLatBbox, bufferMeters float64) LngLatBbox {
	latDelta := bufferMeters / metersPerDegreeLat
	centerLat := clampF((b.South+b.North)/2, -85.0, 85.0)
	lonDelta := bufferMeters / (metersPerDegreeLat * math.Cos(deg2rad(centerLat)))
	return LngLatBbox{
		West:  clampF(b.West-lonDelta, -180.0, 180.0),
		East:  clampF(b.East+lonDelta, -180.0, 180.0),
		South: clampF(b.South-latDelta, -85.0, 85.0),
		North: clampF(b.North+latDelta, -85.0, 85.0),
	}
}

// TileEpsg3857BBox projected bounds of tile z/x/y in EPSG:3857 meters.
// Tile row 0 is the northern edge.
func TileEpsg3857BBox(z, x, y int) (minX, minY, maxX, maxY float64) {
	size := 2 * originShift / math.Exp2(float64(z))
	minX = -originShift + float64(x)*size
	maxX = minX + size
	maxY = originShift - float64(y)*size
	minY = maxY - size
	return
}

// EstimateDownloadSize total bytes for a tile list at an average tile size
func EstimateDownloadSize(tiles []TileCoord, avgTileSizeBytes int64) int64 {
	return int64(len(tiles)) * avgTileSizeBytes
}

// FormatBytes human readable byte count
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
