package mapsave

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"planet/api/log"
	"planet/api/model"
	"planet/api/tile"
)

// MaxTilesPerRequest 单次请求的 tile 预算；超过预算的 chunk 单独发送
const MaxTilesPerRequest = 1000

var (
	ErrCommitted     = errors.New("save session already committed")
	ErrInvalidHeader = errors.New("invalid save header")
)

// Transport 保存接口，loader.Client 实现它
type Transport interface {
	Save(ctx context.Context, req *model.SaveRequest) (*model.SaveResult, error)
}

type Header struct {
	MapID         string
	PlanetName    string
	PlanetSurface string
	PlanetSize    int
	ChunkSize     int
}

type Summary struct {
	Requests      int
	Chunks        int
	Tiles         int
	TasksCreated  int
	ChunkIds      []string
	DeletedChunks int
	Final         *model.SaveResult
}

type tileKey struct {
	cell  tile.Cell
	layer tile.Layer
}

type chunkBuf struct {
	order []tileKey
	rows  map[tileKey]model.TileRow
}

// Session 客户端一次保存：按 chunk 收集 tile，Commit 时分组发送，最后一次调用带上完整 chunk id 列表。
// 只有 Commit 会发 final 调用，且只能 Commit 一次。
type Session struct {
	t Transport
	h Header

	mu        sync.Mutex
	chunks    map[string]*chunkBuf
	skipped   int
	committed bool
}

func NewSession(t Transport, h Header) (*Session, error) {
	h.MapID = strings.TrimSpace(h.MapID)
	if t == nil || h.MapID == "" {
		return nil, fmt.Errorf("%w: mapId is required", ErrInvalidHeader)
	}
	if h.ChunkSize == 0 {
		h.ChunkSize = tile.DefaultChunkSize
	}
	if !tile.ValidChunkSize(h.ChunkSize) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, tile.ErrInvalidChunkSize)
	}
	if h.PlanetSize < 0 || h.PlanetSize > model.MaxPlanetSize {
		return nil, fmt.Errorf("%w: planetSize %d", ErrInvalidHeader, h.PlanetSize)
	}
	return &Session{t: t, h: h, chunks: map[string]*chunkBuf{}}, nil
}

func (s *Session) Header() Header { return s.h }

// Add 空记录跳过；同一 cell 同一层后写覆盖先写
func (s *Session) Add(recs ...tile.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed {
		return ErrCommitted
	}
	for _, rec := range recs {
		if rec.IsEmpty() {
			s.skipped++
			continue
		}
		if rec.Layer == "" {
			rec.Layer = tile.LayerOverlay
		}
		id, err := tile.ChunkIDOf(rec.Cell, s.h.ChunkSize)
		if err != nil {
			return err
		}
		buf, ok := s.chunks[id]
		if !ok {
			buf = &chunkBuf{rows: map[tileKey]model.TileRow{}}
			s.chunks[id] = buf
		}
		k := tileKey{cell: rec.Cell, layer: rec.Layer}
		if _, seen := buf.rows[k]; !seen {
			buf.order = append(buf.order, k)
		}
		buf.rows[k] = model.TileRowOf(rec)
	}
	return nil
}

// Skipped 被跳过的空记录数
func (s *Session) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

func (s *Session) TileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tileCount()
}

func (s *Session) tileCount() int {
	n := 0
	for _, b := range s.chunks {
		n += len(b.order)
	}
	return n
}

func (s *Session) chunkIDs() []string {
	ids := make([]string, 0, len(s.chunks))
	for id := range s.chunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Session) input(id string) model.ChunkInput {
	buf := s.chunks[id]
	tiles := make([]model.TileInput, 0, len(buf.order))
	for _, k := range buf.order {
		tiles = append(tiles, buf.rows[k].Input())
	}
	return model.ChunkInput{ID: id, Tiles: &tiles}
}

// Groups 按 MaxTilesPerRequest 把 chunk 分组，chunk 按 id 排序
func (s *Session) Groups() [][]model.ChunkInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups()
}

func (s *Session) groups() [][]model.ChunkInput {
	var (
		groups [][]model.ChunkInput
		cur    []model.ChunkInput
		count  int
	)
	for _, id := range s.chunkIDs() {
		in := s.input(id)
		n := max(len(*in.Tiles), 1)
		if n >= MaxTilesPerRequest {
			if len(cur) > 0 {
				groups = append(groups, cur)
				cur, count = nil, 0
			}
			groups = append(groups, []model.ChunkInput{in})
			continue
		}
		if count+n > MaxTilesPerRequest && len(cur) > 0 {
			groups = append(groups, cur)
			cur, count = nil, 0
		}
		cur = append(cur, in)
		count += n
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func (s *Session) request(chunks []model.ChunkInput, total int) *model.SaveRequest {
	cs := s.h.ChunkSize
	keep := false
	if chunks == nil {
		chunks = []model.ChunkInput{}
	}
	return &model.SaveRequest{
		MapID:               s.h.MapID,
		PlanetName:          s.h.PlanetName,
		PlanetSurface:       s.h.PlanetSurface,
		PlanetSize:          float64(s.h.PlanetSize),
		ChunkSize:           &cs,
		TileCount:           total,
		Chunks:              chunks,
		DeleteMissingChunks: &keep,
	}
}

// Commit 依次发送每个分组（deleteMissing=false），最后发一次只带元数据和 chunk id 列表的 final 调用。
// progress 在每次请求成功后回调，可以为 nil。任何一次失败都直接返回，session 仍可重新 Commit。
func (s *Session) Commit(ctx context.Context, progress func(done, total int)) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed {
		return nil, ErrCommitted
	}

	groups := s.groups()
	ids := s.chunkIDs()
	total := s.tileCount()
	requests := len(groups) + 1
	sum := &Summary{Chunks: len(ids), Tiles: total, ChunkIds: ids}
	log.Infof("save %s: %d chunks, %d tiles in %d batches (max %d tiles per batch)",
		s.h.MapID, len(ids), total, len(groups), MaxTilesPerRequest)

	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := s.t.Save(ctx, s.request(g, total))
		if err != nil {
			return nil, fmt.Errorf("save batch %d/%d: %w", i+1, requests, err)
		}
		sum.Requests++
		sum.TasksCreated += res.TasksCreated
		if progress != nil {
			progress(i+1, requests)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	final := s.request(nil, total)
	del := true
	final.DeleteMissingChunks = &del
	final.ChunkIds = &ids
	res, err := s.t.Save(ctx, final)
	if err != nil {
		return nil, fmt.Errorf("save final batch: %w", err)
	}
	sum.Requests++
	sum.Final = res
	sum.DeletedChunks = res.DeletedChunks
	if progress != nil {
		progress(requests, requests)
	}
	s.committed = true
	log.Infof("save %s committed: %d tasks, %d stale chunks deleted", s.h.MapID, sum.TasksCreated, sum.DeletedChunks)
	return sum, nil
}
