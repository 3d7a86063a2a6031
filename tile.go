package main

import "fmt"

// TileSize default tile edge in pixels
const TileSize = 256

// TileCoord addresses a slippy-map tile
type TileCoord struct {
	X int
	Y int
	Z int
}

// Tile fetched tile content
type Tile struct {
	X int
	Y int
	Z int
	C []byte
}

func (tile Tile) flipY() int {
	return (1 << tile.Z) - tile.Y - 1
}

// Equals compares 2 tiles
func (tile *TileCoord) Equals(t2 *TileCoord) bool {
	return tile.X == t2.X && tile.Y == t2.Y && tile.Z == t2.Z
}

// ToString returns a string representation of the tile.
func (tile TileCoord) ToString() string {
	return fmt.Sprintf("{%d/%d/%d}", tile.Z, tile.X, tile.Y)
}

// Constants representing TileFormat types
const (
	GZIP string = "gzip" // encoding = gzip
	ZLIB        = "zlib" // encoding = deflate
	PNG         = "png"
	JPG         = "jpg"
	PBF         = "pbf"
	WEBP        = "webp"
)
