package service

import (
	"fmt"
	"math"
	"strings"

	"planet/api/model"
	"planet/api/tile"
)

// ValidationError 请求不合法；ChunkID / Field 指出是哪一块的哪个字段
type ValidationError struct {
	ChunkID string
	Field   string
	Msg     string
}

func (e *ValidationError) Error() string {
	switch {
	case e.ChunkID != "" && e.Field != "":
		return fmt.Sprintf("chunk '%s' field %s: %s", e.ChunkID, e.Field, e.Msg)
	case e.ChunkID != "":
		return fmt.Sprintf("chunk '%s': %s", e.ChunkID, e.Msg)
	case e.Field != "":
		return e.Field + ": " + e.Msg
	default:
		return e.Msg
	}
}

func invalid(chunkID, field, format string, args ...any) *ValidationError {
	return &ValidationError{ChunkID: chunkID, Field: field, Msg: fmt.Sprintf(format, args...)}
}

type SaveLimits struct {
	TilesPerTask     int
	MaxTilesPerChunk int
	MaxChunkDocs     int
	DeleteBatchSize  int
	FlushSize        int
}

func DefaultSaveLimits() SaveLimits {
	return SaveLimits{
		TilesPerTask:     500,
		MaxTilesPerChunk: 16384,
		MaxChunkDocs:     200000,
		DeleteBatchSize:  450,
		FlushSize:        100,
	}
}

func (l SaveLimits) withDefaults() SaveLimits {
	d := DefaultSaveLimits()
	if l.TilesPerTask <= 0 {
		l.TilesPerTask = d.TilesPerTask
	}
	if l.MaxTilesPerChunk <= 0 {
		l.MaxTilesPerChunk = d.MaxTilesPerChunk
	}
	if l.MaxChunkDocs <= 0 {
		l.MaxChunkDocs = d.MaxChunkDocs
	}
	if l.DeleteBatchSize <= 0 {
		l.DeleteBatchSize = d.DeleteBatchSize
	}
	if l.FlushSize <= 0 {
		l.FlushSize = d.FlushSize
	}
	return l
}

// MapHeader 每次 save 都会合并进 maps 的字段
type MapHeader struct {
	PlanetName    string
	PlanetSurface string
	PlanetSize    int
	ChunkSize     int
	OwnerID       string
}

func validateHeader(mapID string, h MapHeader) error {
	if strings.TrimSpace(mapID) == "" {
		return invalid("", "mapId", "mapId must be a non-empty string")
	}
	if h.PlanetSize <= 0 || h.PlanetSize > model.MaxPlanetSize {
		return invalid("", "planetSize", "planetSize must be a positive number (<= %d)", model.MaxPlanetSize)
	}
	if !tile.ValidChunkSize(h.ChunkSize) {
		return invalid("", "chunkSize", "chunkSize must be between 1 and %d", tile.MaxChunkSize)
	}
	return nil
}

// PlanetSizeOf JSON 里的 planetSize 必须是整数
func PlanetSizeOf(v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) || v <= 0 || v > model.MaxPlanetSize {
		return 0, invalid("", "planetSize", "planetSize must be a positive number (<= %d)", model.MaxPlanetSize)
	}
	return int(v), nil
}

type validChunk struct {
	ID      string
	Coord   tile.ChunkCoord
	IsCoord bool
	Tiles   []model.TileRow
	Dropped int // 空记录
}

// validateChunks 全部校验通过才返回；任何一个不合法整批拒绝
func validateChunks(chunks []model.ChunkInput, chunkSize int, limits SaveLimits) ([]validChunk, error) {
	if len(chunks) > limits.MaxChunkDocs {
		return nil, invalid("", "chunks", "too many chunks (%d). Maximum supported is %d", len(chunks), limits.MaxChunkDocs)
	}
	seen := make(map[string]struct{}, len(chunks))
	out := make([]validChunk, 0, len(chunks))
	for _, c := range chunks {
		vc, err := validateChunk(c, chunkSize, limits)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[vc.ID]; dup {
			return nil, invalid(vc.ID, "id", "duplicate chunk id")
		}
		seen[vc.ID] = struct{}{}
		out = append(out, vc)
	}
	return out, nil
}

func validateChunk(c model.ChunkInput, chunkSize int, limits SaveLimits) (validChunk, error) {
	id := c.ID
	if strings.TrimSpace(id) == "" {
		return validChunk{}, invalid("", "id", "each chunk requires a non-empty string id")
	}
	if c.Tiles == nil {
		return validChunk{}, invalid(id, "tiles", "missing its tiles array")
	}
	tiles := *c.Tiles
	if len(tiles) > limits.MaxTilesPerChunk {
		return validChunk{}, invalid(id, "tiles", "contains %d tiles. Maximum supported per chunk is %d", len(tiles), limits.MaxTilesPerChunk)
	}

	vc := validChunk{ID: id, Tiles: make([]model.TileRow, 0, len(tiles))}
	if coord, err := tile.ParseChunkID(id); err == nil {
		vc.Coord, vc.IsCoord = coord, true
	}
	for i, in := range tiles {
		if in.Malformed() {
			return validChunk{}, invalid(id, fmt.Sprintf("tiles[%d]", i), "each tile must be an object")
		}
		row, err := sanitizeTile(in, tile.LayerOverlay)
		if err != nil {
			err.ChunkID = id
			err.Field = fmt.Sprintf("tiles[%d].%s", i, err.Field)
			return validChunk{}, err
		}
		if vc.IsCoord {
			got, _ := tile.ChunkIDOf(tile.Cell{X: row.X, Y: row.Y}, chunkSize)
			if got != id {
				return validChunk{}, invalid(id, fmt.Sprintf("tiles[%d]", i), "tile (%d,%d) belongs to chunk '%s'", row.X, row.Y, got)
			}
		}
		if row.Record().IsEmpty() {
			vc.Dropped++
			continue
		}
		vc.Tiles = append(vc.Tiles, row)
	}
	return vc, nil
}

// sanitizeTile 严格校验一个输入 tile；Field 只填字段名，由调用方补全路径
func sanitizeTile(in model.TileInput, defLayer tile.Layer) (model.TileRow, *ValidationError) {
	x, okX := model.IntOf(in.X)
	y, okY := model.IntOf(in.Y)
	if !okX || !okY {
		return model.TileRow{}, &ValidationError{Field: "x", Msg: "tiles require integral numeric coordinates"}
	}
	if in.TileLayer != nil {
		if _, ok := in.TileLayer.(string); !ok {
			return model.TileRow{}, &ValidationError{Field: "TileLayer", Msg: "tileLayer must be a string"}
		}
	}
	name, ok := model.OptString(in.TileName)
	if !ok {
		return model.TileRow{}, &ValidationError{Field: "TileName", Msg: "tileName must be a string or null"}
	}
	obj, ok := model.OptString(in.TileObjectPath)
	if !ok {
		return model.TileRow{}, &ValidationError{Field: "TileObjectPath", Msg: "tileObjectPath must be a string or null"}
	}
	tf, ok := model.TransformOf(in.Transform)
	if !ok {
		return model.TileRow{}, &ValidationError{Field: "Transform", Msg: "transform must be an array of 16 finite numbers"}
	}
	return model.TileRow{
		X:              x,
		Y:              y,
		TileName:       name,
		TileObjectPath: obj,
		TileLayer:      model.LayerOf(in.TileLayer, defLayer),
		Transform:      tile.EncodeTransform(tile.DecodeTransform(tf)),
	}, nil
}

func validateChunkIDs(ids []string, limits SaveLimits) error {
	if len(ids) > limits.MaxChunkDocs {
		return invalid("", "chunkIds", "too many chunk ids (%d). Maximum supported is %d", len(ids), limits.MaxChunkDocs)
	}
	for i, id := range ids {
		if strings.TrimSpace(id) == "" {
			return invalid("", fmt.Sprintf("chunkIds[%d]", i), "chunkIds must contain non-empty strings")
		}
	}
	return nil
}
