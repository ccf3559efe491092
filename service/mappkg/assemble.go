package mappkg

import (
	"context"
	"fmt"
	"math"
	"sort"

	"planet/api/model"
	"planet/api/service"
	"planet/api/tile"
	"planet/api/tools"

	"golang.org/x/sync/errgroup"
)

const (
	fetchBatch    = 100 // 一次 GetChunks 带多少个 id
	fetchParallel = 8
)

/* ---------- Service ---------- */

type MapAssembler struct {
	maps *service.MapService
}

func NewMapAssembler(maps *service.MapService) *MapAssembler { return &MapAssembler{maps: maps} }

// Snapshot 一张地图拼好的全部 tile（或 bbox 内的部分）
type Snapshot struct {
	MapID         string          `json:"mapId"`
	PlanetName    string          `json:"PlanetName"`
	PlanetSurface string          `json:"PlanetSurface"`
	PlanetSize    int             `json:"PlanetSize"`
	ChunkSize     int             `json:"chunkSize"`
	TileCount     int             `json:"tileCount"`
	Bounds        *Bounds         `json:"bounds,omitempty"` // tile 的包围盒，没有 tile 时为空
	Tiles         []model.TileRow `json:"Tiles"`
}

// Bounds 半开区间 [Min, Max)
type Bounds struct {
	MinX int `json:"minX"`
	MinY int `json:"minY"`
	MaxX int `json:"maxX"`
	MaxY int `json:"maxY"`
}

// BuildSnapshot 组装整张地图；
// - bbox 为 nil 表示全图，否则只拿覆盖到的 chunk 并裁掉 bbox 外的 tile；
// - chunk id 列表为空时读旧格式的内联 tiles。
func (s *MapAssembler) BuildSnapshot(ctx context.Context, mapID string, bbox *model.BBox) (*Snapshot, error) {
	// 1) meta + chunk id 列表
	view, err := s.maps.GetMap(ctx, mapID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		MapID:         mapID,
		PlanetName:    view.Meta.PlanetName,
		PlanetSurface: view.Meta.PlanetSurface,
		PlanetSize:    view.Meta.PlanetSize,
		ChunkSize:     view.ChunkSize,
	}

	var crop *cropInfo
	if bbox != nil {
		c := computeCrop(*bbox, view.ChunkSize)
		crop = &c
	}

	// 2) tiles
	var tiles []model.TileRow
	if len(view.ChunkIds) == 0 {
		tiles = view.LegacyTiles
	} else {
		ids := pickChunkIDs(view.ChunkIds, crop)
		tiles, err = s.loadChunks(ctx, mapID, ids)
		if err != nil {
			return nil, fmt.Errorf("loadChunks: %w", err)
		}
	}

	// 3) 裁剪 + 排序
	out := make([]model.TileRow, 0, len(tiles))
	for _, t := range tiles {
		if crop != nil && !crop.contains(t.X, t.Y) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].TileLayer < out[j].TileLayer
	})
	snap.Tiles = out
	snap.TileCount = len(out)
	snap.Bounds = boundsOf(out)
	return snap, nil
}

// loadChunks 分批并发读 chunk，结果按批次顺序拼接
func (s *MapAssembler) loadChunks(ctx context.Context, mapID string, ids []string) ([]model.TileRow, error) {
	batches := tools.Chunk(ids, fetchBatch)
	parts := make([][]model.TileRow, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallel)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			docs, err := s.maps.GetChunks(gctx, mapID, batch)
			if err != nil {
				return err
			}
			var rows []model.TileRow
			for _, d := range docs {
				rows = append(rows, d.Tiles...)
			}
			parts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []model.TileRow
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

/* ---------- assemble helpers ---------- */

type cropInfo struct {
	TileMinX, TileMaxX   int // 闭区间
	TileMinY, TileMaxY   int
	ChunkMinX, ChunkMaxX int
	ChunkMinY, ChunkMaxY int
}

func computeCrop(bbox model.BBox, chunkSize int) cropInfo {
	if bbox.MinX > bbox.MaxX {
		bbox.MinX, bbox.MaxX = bbox.MaxX, bbox.MinX
	}
	if bbox.MinY > bbox.MaxY {
		bbox.MinY, bbox.MaxY = bbox.MaxY, bbox.MinY
	}
	c := cropInfo{
		TileMinX: int(math.Floor(bbox.MinX)),
		TileMaxX: int(math.Ceil(bbox.MaxX)) - 1,
		TileMinY: int(math.Floor(bbox.MinY)),
		TileMaxY: int(math.Ceil(bbox.MaxY)) - 1,
	}
	if !tile.ValidChunkSize(chunkSize) {
		chunkSize = tile.DefaultChunkSize
	}
	lo, _ := tile.ChunkCoordOf(tile.Cell{X: c.TileMinX, Y: c.TileMinY}, chunkSize)
	hi, _ := tile.ChunkCoordOf(tile.Cell{X: c.TileMaxX, Y: c.TileMaxY}, chunkSize)
	c.ChunkMinX, c.ChunkMinY = lo.CX, lo.CY
	c.ChunkMaxX, c.ChunkMaxY = hi.CX, hi.CY
	return c
}

func (c *cropInfo) contains(x, y int) bool {
	return x >= c.TileMinX && x <= c.TileMaxX && y >= c.TileMinY && y <= c.TileMaxY
}

// pickChunkIDs 不是坐标格式的 id 保留，交给 tile 级裁剪
func pickChunkIDs(ids []string, crop *cropInfo) []string {
	if crop == nil {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		coord, err := tile.ParseChunkID(id)
		if err != nil {
			out = append(out, id)
			continue
		}
		if coord.CX < crop.ChunkMinX || coord.CX > crop.ChunkMaxX || coord.CY < crop.ChunkMinY || coord.CY > crop.ChunkMaxY {
			continue
		}
		out = append(out, id)
	}
	return out
}

func boundsOf(tiles []model.TileRow) *Bounds {
	if len(tiles) == 0 {
		return nil
	}
	b := &Bounds{MinX: tiles[0].X, MinY: tiles[0].Y, MaxX: tiles[0].X + 1, MaxY: tiles[0].Y + 1}
	for _, t := range tiles[1:] {
		b.MinX = min(b.MinX, t.X)
		b.MinY = min(b.MinY, t.Y)
		b.MaxX = max(b.MaxX, t.X+1)
		b.MaxY = max(b.MaxY, t.Y+1)
	}
	return b
}
