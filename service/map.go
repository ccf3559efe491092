package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"planet/api/log"
	"planet/api/model"
	"planet/api/system"
	"planet/api/tile"
)

type MapService struct {
	store *MapStore
}

func NewMapService(store *MapStore) *MapService { return &MapService{store: store} }

func (s *MapService) GetMap(ctx context.Context, mapID string) (*model.MapView, error) {
	meta, err := s.store.GetMeta(ctx, mapID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, meta)
}

func (s *MapService) GetMapByName(ctx context.Context, name string) (*model.MapView, error) {
	meta, err := s.store.FindMetaByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, meta)
}

func (s *MapService) view(ctx context.Context, meta *model.MapMeta) (*model.MapView, error) {
	v := &model.MapView{Meta: meta, ChunkIds: []string{}, ChunkSize: meta.ChunkSize, TileCount: meta.TileCount}
	data, err := s.store.GetMapData(ctx, meta.ID)
	if errors.Is(err, ErrMapNotFound) {
		return v, nil
	}
	if err != nil {
		return nil, err
	}
	if data.ChunkSize > 0 {
		v.ChunkSize = data.ChunkSize
	}
	if len(data.ChunkIds) > 0 {
		v.ChunkIds = data.ChunkIds
		v.TileCount = data.TileCount
	} else if len(data.Tiles) > 0 {
		v.LegacyTiles = data.Tiles
		v.TileCount = len(data.Tiles)
	}
	if v.ChunkSize <= 0 {
		v.ChunkSize = tile.DefaultChunkSize
	}
	return v, nil
}

// CreateMap 新建空地图，id 服务端生成；planetSize 为 0 时用默认值
func (s *MapService) CreateMap(ctx context.Context, req model.CreateMapRequest, ownerID string) (*model.MapMeta, error) {
	name := strings.TrimSpace(req.PlanetName)
	if name == "" {
		return nil, invalid("", "planetName", "planetName must be provided")
	}
	size := req.PlanetSize
	if size == 0 {
		size = model.DefaultPlanetSize
	}
	if size < 0 || size > model.MaxPlanetSize {
		return nil, invalid("", "planetSize", "planetSize must be between 1 and %d", model.MaxPlanetSize)
	}
	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = tile.DefaultChunkSize
	}
	if !tile.ValidChunkSize(chunkSize) {
		return nil, invalid("", "chunkSize", "chunkSize must be between 1 and %d", tile.MaxChunkSize)
	}
	surface := strings.TrimSpace(req.PlanetSurface)
	if surface == "" {
		surface = model.DefaultPlanetSurface
	}
	if _, err := s.store.FindMetaByName(ctx, name); err == nil {
		return nil, ErrMapExists
	} else if !errors.Is(err, ErrMapNotFound) {
		return nil, err
	}

	m := &model.MapMeta{
		ID:            system.GeneratePushID(model.MapIDLength),
		PlanetName:    name,
		PlanetSurface: surface,
		PlanetSize:    size,
		ChunkSize:     chunkSize,
		OwnerID:       ownerID,
	}
	if err := s.store.CreateMeta(ctx, m); err != nil {
		return nil, err
	}
	log.Infof("map %s (%s) created by %s", m.ID, m.PlanetName, ownerID)
	return m, nil
}

// DeleteMap 删除元数据、chunk id 列表和全部 chunk
func (s *MapService) DeleteMap(ctx context.Context, mapID string) error {
	if strings.TrimSpace(mapID) == "" {
		return invalid("", "mapId", "mapId must be provided")
	}
	if err := s.store.DeleteMap(ctx, mapID); err != nil {
		return err
	}
	log.Infof("map %s deleted", mapID)
	return nil
}

func (s *MapService) GetChunk(ctx context.Context, mapID, chunkID string) (*model.ChunkDoc, error) {
	return s.store.GetChunk(ctx, mapID, chunkID)
}

func (s *MapService) GetChunks(ctx context.Context, mapID string, ids []string) ([]*model.ChunkDoc, error) {
	return s.store.GetChunks(ctx, mapID, ids)
}

// ------------------------------------------------------------
// 视口加载
// ------------------------------------------------------------

type ViewportResult struct {
	Chunks    []*model.ChunkDoc `json:"chunks"`    // 有变化或客户端没有的块
	Unchanged []ChunkRev        `json:"unchanged"` // 客户端已持有且 rev 相同
}

type ChunkRev struct {
	ID  string `json:"id"`
	Rev int64  `json:"rev"`
}

// LoadViewport bbox 覆盖到的全部 chunk；known 是客户端缓存的 chunk rev
func (s *MapService) LoadViewport(ctx context.Context, mapID string, bbox model.BBox, known map[string]int64) (*ViewportResult, error) {
	meta, err := s.store.GetMeta(ctx, mapID)
	if err != nil {
		return nil, err
	}
	chunkSize := meta.ChunkSize
	if !tile.ValidChunkSize(chunkSize) {
		chunkSize = tile.DefaultChunkSize
	}
	minCX, maxCX, minCY, maxCY := bboxToChunkRange(bbox, chunkSize)
	heads, err := s.store.ChunksInRange(ctx, mapID, minCX, maxCX, minCY, maxCY)
	if err != nil {
		return nil, fmt.Errorf("queryNearbyChunks: %w", err)
	}

	res := &ViewportResult{Chunks: []*model.ChunkDoc{}, Unchanged: []ChunkRev{}}
	var changed []model.MapChunk
	for _, h := range heads {
		if r, ok := known[h.ChunkID]; ok && r == h.Rev {
			res.Unchanged = append(res.Unchanged, ChunkRev{ID: h.ChunkID, Rev: h.Rev})
			continue
		}
		changed = append(changed, h)
	}
	docs, err := s.store.Assemble(ctx, changed)
	if err != nil {
		return nil, err
	}
	res.Chunks = append(res.Chunks, docs...)
	return res, nil
}

// ------------------------------------------------------------
// 辅助方法
// ------------------------------------------------------------

// ExpandBBox 边缘预取，单位 tile
func ExpandBBox(b model.BBox, margin int) model.BBox {
	if margin <= 0 {
		return b
	}
	m := float64(margin)
	b.MinX -= m
	b.MinY -= m
	b.MaxX += m
	b.MaxY += m
	return b
}

func bboxToChunkRange(b model.BBox, chunkSize int) (minCX, maxCX, minCY, maxCY int) {
	if b.MinX > b.MaxX {
		b.MinX, b.MaxX = b.MaxX, b.MinX
	}
	if b.MinY > b.MaxY {
		b.MinY, b.MaxY = b.MaxY, b.MinY
	}
	minTX := int(math.Floor(b.MinX))
	maxTX := int(math.Ceil(b.MaxX)) - 1
	minTY := int(math.Floor(b.MinY))
	maxTY := int(math.Ceil(b.MaxY)) - 1
	if maxTX < minTX {
		maxTX = minTX
	}
	if maxTY < minTY {
		maxTY = minTY
	}
	lo, _ := tile.ChunkCoordOf(tile.Cell{X: minTX, Y: minTY}, chunkSize)
	hi, _ := tile.ChunkCoordOf(tile.Cell{X: maxTX, Y: maxTY}, chunkSize)
	return lo.CX, hi.CX, lo.CY, hi.CY
}
