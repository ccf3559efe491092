package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	mycache "planet/api/cache"
	"planet/api/model"
	"planet/api/tile"
	"planet/api/tools"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IN 子句一次最多带多少个 id
const inBatch = 500

// MapStore 地图文档存储：maps / map_data / map_chunks / map_chunk_slices
type MapStore struct {
	db    *gorm.DB
	cache *mycache.ChunkCache
}

func NewMapStore(db *gorm.DB, cache *mycache.ChunkCache) *MapStore {
	return &MapStore{db: db, cache: cache}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.MapMeta{}, &model.MapData{}, &model.MapChunk{}, &model.MapChunkSlice{}, &model.MapGeneration{})
}

func (s *MapStore) DB() *gorm.DB { return s.db }

/* ---------- maps ---------- */

func (s *MapStore) GetMeta(ctx context.Context, mapID string) (*model.MapMeta, error) {
	var m model.MapMeta
	err := s.db.WithContext(ctx).Where("id = ?", mapID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMapNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get map %s: %w", mapID, err)
	}
	return &m, nil
}

// FindMetaByName 名字忽略大小写；重名时取最近更新的
func (s *MapStore) FindMetaByName(ctx context.Context, name string) (*model.MapMeta, error) {
	var m model.MapMeta
	err := s.db.WithContext(ctx).
		Where("LOWER(planet_name) = ?", tools.NameKey(name)).
		Order("updated_at DESC").
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMapNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find map %q: %w", name, err)
	}
	return &m, nil
}

func (s *MapStore) CreateMeta(ctx context.Context, m *model.MapMeta) error {
	now := tools.Now()
	m.CreatedAt, m.UpdatedAt = now, now
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			if isDup(err) {
				return ErrMapExists
			}
			return err
		}
		data := model.MapData{MapID: m.ID, ChunkSize: m.ChunkSize, ChunkIds: []string{}, UpdatedAt: now}
		if err := tx.Create(&data).Error; err != nil {
			if isDup(err) {
				return ErrMapExists
			}
			return err
		}
		return nil
	})
}

// MetaPatch 每次 save 合并进 maps；TileCount 只有 final 才写
type MetaPatch struct {
	PlanetName    string
	PlanetSurface string
	PlanetSize    int
	ChunkSize     int
	TileCount     *int
	OwnerID       string
}

func (s *MapStore) MergeMeta(ctx context.Context, mapID string, p MetaPatch) error {
	now := tools.Now()
	row := model.MapMeta{
		ID:            mapID,
		PlanetName:    p.PlanetName,
		PlanetSurface: p.PlanetSurface,
		PlanetSize:    p.PlanetSize,
		ChunkSize:     p.ChunkSize,
		OwnerID:       p.OwnerID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	cols := []string{"planet_name", "planet_surface", "planet_size", "chunk_size", "updated_at"}
	if p.TileCount != nil {
		row.TileCount = *p.TileCount
		cols = append(cols, "tile_count")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("merge map %s: %w", mapID, err)
	}
	return nil
}

/* ---------- map_data ---------- */

// GetMapData 没有文档时返回 ErrMapNotFound
func (s *MapStore) GetMapData(ctx context.Context, mapID string) (*model.MapData, error) {
	var d model.MapData
	err := s.db.WithContext(ctx).Where("map_id = ?", mapID).Take(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMapNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get map data %s: %w", mapID, err)
	}
	return &d, nil
}

// MergeMapData chunkIDs / tileCount 为 nil 时不动
func (s *MapStore) MergeMapData(ctx context.Context, mapID string, chunkSize int, chunkIDs []string, tileCount *int) error {
	row := model.MapData{MapID: mapID, ChunkSize: chunkSize, UpdatedAt: tools.Now()}
	cols := []string{"chunk_size", "updated_at"}
	if chunkIDs != nil {
		row.ChunkIds = chunkIDs
		cols = append(cols, "chunk_ids")
	}
	if tileCount != nil {
		row.TileCount = *tileCount
		cols = append(cols, "tile_count")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "map_id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("merge map data %s: %w", mapID, err)
	}
	return nil
}

// NextGeneration 原子地把 mapId 的序列加一并返回新值。
// 删除地图时不清理，保证同一个 id 的 generation 一直递增。
func (s *MapStore) NextGeneration(ctx context.Context, mapID string) (int64, error) {
	var gen int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := model.MapGeneration{MapID: mapID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.MapGeneration{}).Where("map_id = ?", mapID).
			UpdateColumn("generation", gorm.Expr("generation + 1")).Error; err != nil {
			return err
		}
		var row model.MapGeneration
		if err := tx.Where("map_id = ?", mapID).Take(&row).Error; err != nil {
			return err
		}
		gen = row.Generation
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("next generation %s: %w", mapID, err)
	}
	return gen, nil
}

/* ---------- chunks ---------- */

// ListChunkIDs 存储里实际存在的 chunk 文档
func (s *MapStore) ListChunkIDs(ctx context.Context, mapID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.MapChunk{}).
		Where("map_id = ?", mapID).
		Order("chunk_id").
		Pluck("chunk_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list chunks %s: %w", mapID, err)
	}
	return ids, nil
}

// DeleteChunks 每 batchSize 个 chunk 一个事务
func (s *MapStore) DeleteChunks(ctx context.Context, mapID string, ids []string, batchSize int) (int, error) {
	deleted := 0
	for _, batch := range tools.Chunk(ids, batchSize) {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("map_id = ? AND chunk_id IN ?", mapID, batch).Delete(&model.MapChunkSlice{}).Error; err != nil {
				return err
			}
			res := tx.Where("map_id = ? AND chunk_id IN ?", mapID, batch).Delete(&model.MapChunk{})
			if res.Error != nil {
				return res.Error
			}
			deleted += int(res.RowsAffected)
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("delete chunks %s: %w", mapID, err)
		}
	}
	return deleted, nil
}

func (s *MapStore) DeleteMap(ctx context.Context, mapID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("map_id = ?", mapID).Delete(&model.MapChunkSlice{}).Error; err != nil {
			return err
		}
		if err := tx.Where("map_id = ?", mapID).Delete(&model.MapChunk{}).Error; err != nil {
			return err
		}
		data := tx.Where("map_id = ?", mapID).Delete(&model.MapData{})
		if data.Error != nil {
			return data.Error
		}
		meta := tx.Where("id = ?", mapID).Delete(&model.MapMeta{})
		if meta.Error != nil {
			return meta.Error
		}
		if data.RowsAffected == 0 && meta.RowsAffected == 0 {
			return ErrMapNotFound
		}
		return nil
	})
}

func (s *MapStore) GetChunk(ctx context.Context, mapID, chunkID string) (*model.ChunkDoc, error) {
	docs, err := s.GetChunks(ctx, mapID, []string{chunkID})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrChunkNotFound
	}
	return docs[0], nil
}

// GetChunks 按 id 批量读；不存在的 id 直接跳过，结果按 id 顺序
func (s *MapStore) GetChunks(ctx context.Context, mapID string, ids []string) ([]*model.ChunkDoc, error) {
	var heads []model.MapChunk
	for _, batch := range tools.Chunk(ids, inBatch) {
		var part []model.MapChunk
		if err := s.db.WithContext(ctx).Where("map_id = ? AND chunk_id IN ?", mapID, batch).Find(&part).Error; err != nil {
			return nil, fmt.Errorf("get chunks %s: %w", mapID, err)
		}
		heads = append(heads, part...)
	}
	return s.assemble(ctx, heads)
}

// ChunksInRange cx/cy 闭区间内的 chunk 头，不带 tiles
func (s *MapStore) ChunksInRange(ctx context.Context, mapID string, minCX, maxCX, minCY, maxCY int) ([]model.MapChunk, error) {
	var heads []model.MapChunk
	err := s.db.WithContext(ctx).
		Where("map_id = ? AND cx BETWEEN ? AND ? AND cy BETWEEN ? AND ?", mapID, minCX, maxCX, minCY, maxCY).
		Order("cy, cx").
		Find(&heads).Error
	if err != nil {
		return nil, fmt.Errorf("chunks in range %s: %w", mapID, err)
	}
	return heads, nil
}

// Assemble 给 chunk 头补上 tiles（走缓存）
func (s *MapStore) Assemble(ctx context.Context, heads []model.MapChunk) ([]*model.ChunkDoc, error) {
	return s.assemble(ctx, heads)
}

func (s *MapStore) assemble(ctx context.Context, heads []model.MapChunk) ([]*model.ChunkDoc, error) {
	sort.Slice(heads, func(i, j int) bool { return heads[i].ChunkID < heads[j].ChunkID })
	out := make([]*model.ChunkDoc, 0, len(heads))
	for _, h := range heads {
		h := h
		tiles, hit, err := s.cache.Load(h.MapID, h.ChunkID, h.Rev, func() ([]model.TileRow, error) {
			return s.loadSlices(ctx, h)
		})
		if err != nil {
			return nil, err
		}
		if hit {
			cntChunkCache.WithLabelValues("hit").Inc()
		} else {
			cntChunkCache.WithLabelValues("miss").Inc()
		}
		out = append(out, &model.ChunkDoc{
			ID:        h.ChunkID,
			CX:        h.CX,
			CY:        h.CY,
			ChunkSize: h.ChunkSize,
			Rev:       h.Rev,
			Tiles:     tiles,
			UpdatedAt: h.UpdatedAt,
		})
	}
	return out, nil
}

func (s *MapStore) loadSlices(ctx context.Context, h model.MapChunk) ([]model.TileRow, error) {
	var slices []model.MapChunkSlice
	err := s.db.WithContext(ctx).
		Where("map_id = ? AND chunk_id = ? AND generation = ? AND slice_index < ?", h.MapID, h.ChunkID, h.Generation, h.SliceCount).
		Order("slice_index").
		Find(&slices).Error
	if err != nil {
		return nil, fmt.Errorf("load chunk %s/%s: %w", h.MapID, h.ChunkID, err)
	}
	tiles := make([]model.TileRow, 0, h.TileCount)
	for _, sl := range slices {
		tiles = append(tiles, sl.Tiles...)
	}
	return tiles, nil
}

/* ---------- task apply ---------- */

type SliceWrite struct {
	MapID      string
	ChunkID    string
	Coord      tile.ChunkCoord
	ChunkSize  int
	Generation int64
	SliceIndex int
	SliceCount int
	Tiles      []model.TileRow
	Digest     string
}

type ApplyOutcome string

const (
	OutcomeWritten   ApplyOutcome = "written"
	OutcomeUnchanged ApplyOutcome = "unchanged"
	OutcomeStale     ApplyOutcome = "stale"
)

// ApplySlice 用一个 slice 替换 chunk 里对应的部分。
// 新 generation 清掉旧的全部 slice；同 generation 只替换这一片；旧 generation 忽略。
// 内容 digest 没变时不写库、rev 不变。
func (s *MapStore) ApplySlice(ctx context.Context, w SliceWrite) (ApplyOutcome, int64, error) {
	var (
		outcome ApplyOutcome
		rev     int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head model.MapChunk
		q := tx.Where("map_id = ? AND chunk_id = ?", w.MapID, w.ChunkID)
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := q.Take(&head).Error
		exists := true
		if errors.Is(err, gorm.ErrRecordNotFound) {
			exists = false
		} else if err != nil {
			return err
		}

		if exists && w.Generation < head.Generation {
			outcome, rev = OutcomeStale, head.Rev
			return nil
		}

		if exists && w.Generation == head.Generation {
			var cur model.MapChunkSlice
			err := tx.Where("map_id = ? AND chunk_id = ? AND slice_index = ?", w.MapID, w.ChunkID, w.SliceIndex).Take(&cur).Error
			if err == nil && cur.Generation == w.Generation && cur.Digest == w.Digest && head.SliceCount == w.SliceCount {
				outcome, rev = OutcomeUnchanged, head.Rev
				return nil
			}
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err := tx.Where("map_id = ? AND chunk_id = ? AND slice_index >= ?", w.MapID, w.ChunkID, w.SliceCount).
				Delete(&model.MapChunkSlice{}).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Where("map_id = ? AND chunk_id = ?", w.MapID, w.ChunkID).Delete(&model.MapChunkSlice{}).Error; err != nil {
				return err
			}
		}

		slice := model.MapChunkSlice{
			MapID:      w.MapID,
			ChunkID:    w.ChunkID,
			SliceIndex: w.SliceIndex,
			Generation: w.Generation,
			Tiles:      w.Tiles,
			Digest:     w.Digest,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "map_id"}, {Name: "chunk_id"}, {Name: "slice_index"}},
			DoUpdates: clause.AssignmentColumns([]string{"generation", "tiles", "digest"}),
		}).Create(&slice).Error; err != nil {
			return err
		}

		tileCount, err := countSliceTiles(tx, w)
		if err != nil {
			return err
		}
		rev = head.Rev + 1
		head = model.MapChunk{
			MapID:      w.MapID,
			ChunkID:    w.ChunkID,
			CX:         w.Coord.CX,
			CY:         w.Coord.CY,
			ChunkSize:  w.ChunkSize,
			Generation: w.Generation,
			SliceCount: w.SliceCount,
			TileCount:  tileCount,
			Rev:        rev,
			UpdatedAt:  tools.Now(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "map_id"}, {Name: "chunk_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"cx", "cy", "chunk_size", "generation", "slice_count", "tile_count", "rev", "updated_at"}),
		}).Create(&head).Error; err != nil {
			return err
		}
		outcome = OutcomeWritten
		return nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("apply %s/%s slice %d: %w", w.MapID, w.ChunkID, w.SliceIndex, err)
	}
	return outcome, rev, nil
}

func countSliceTiles(tx *gorm.DB, w SliceWrite) (int, error) {
	var slices []model.MapChunkSlice
	err := tx.Select("tiles").
		Where("map_id = ? AND chunk_id = ? AND generation = ?", w.MapID, w.ChunkID, w.Generation).
		Find(&slices).Error
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sl := range slices {
		n += len(sl.Tiles)
	}
	return n, nil
}
