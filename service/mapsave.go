package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"planet/api/log"
	"planet/api/model"
	"planet/api/queue"
	"planet/api/tile"
	"planet/api/tools"

	"golang.org/x/sync/errgroup"
)

var ErrSessionCommitted = errors.New("save session already committed")

// GenerationSource 给一次 save 发 generation。多实例部署下必须全局递增，不能用本机时钟。
type GenerationSource func(ctx context.Context, mapID string) (int64, error)

type MapSaveService struct {
	store   *MapStore
	queue   queue.Queue
	limits  SaveLimits
	nextGen GenerationSource
}

func NewMapSaveService(store *MapStore, q queue.Queue, limits SaveLimits) *MapSaveService {
	return &MapSaveService{store: store, queue: q, limits: limits.withDefaults(), nextGen: store.NextGeneration}
}

// SetGenerationSource 替换默认的数据库序列（测试用）
func (s *MapSaveService) SetGenerationSource(src GenerationSource) {
	s.nextGen = src
}

// Save 单次调用的入口：chunkIds 存在时走 Commit，否则只是中间批次
func (s *MapSaveService) Save(ctx context.Context, req model.SaveRequest, ownerID string) (*model.SaveResult, error) {
	if strings.TrimSpace(req.MapID) == "" {
		return nil, invalid("", "mapId", "mapId must be a non-empty string")
	}
	size, err := PlanetSizeOf(req.PlanetSize)
	if err != nil {
		return nil, err
	}
	chunkSize := tile.DefaultChunkSize
	if req.ChunkSize != nil {
		chunkSize = *req.ChunkSize
	}
	sess, err := s.Begin(req.MapID, MapHeader{
		PlanetName:    req.PlanetName,
		PlanetSurface: req.PlanetSurface,
		PlanetSize:    size,
		ChunkSize:     chunkSize,
		OwnerID:       ownerID,
	})
	if err != nil {
		return nil, err
	}
	if req.ChunkIds == nil {
		return sess.AddChunkBatch(ctx, req.Chunks)
	}
	deleteMissing := true
	if req.DeleteMissingChunks != nil {
		deleteMissing = *req.DeleteMissingChunks
	}
	return sess.Commit(ctx, FinalBatch{
		Chunks:        req.Chunks,
		ChunkIDs:      *req.ChunkIds,
		DeleteMissing: deleteMissing,
		TileCount:     req.TileCount,
	})
}

// SaveSession 一次多批保存。只有 Commit 会更新 chunk id 集合和 tileCount、删除旧 chunk。
type SaveSession struct {
	svc        *MapSaveService
	mapID      string
	header     MapHeader
	generation int64

	mu        sync.Mutex
	sent      map[string]struct{}
	committed bool
}

func (s *MapSaveService) Begin(mapID string, h MapHeader) (*SaveSession, error) {
	if err := validateHeader(mapID, h); err != nil {
		return nil, err
	}
	return &SaveSession{
		svc:    s,
		mapID:  mapID,
		header: h,
		sent:   map[string]struct{}{},
	}, nil
}

// Generation 第一次入队前为 0；之后是数据库发的号
func (ss *SaveSession) Generation() int64 { return ss.generation }

// AddChunkBatch 中间批次：入队 + 合并地图头信息，不碰 chunk id 集合
func (ss *SaveSession) AddChunkBatch(ctx context.Context, chunks []model.ChunkInput) (*model.SaveResult, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.committed {
		return nil, ErrSessionCommitted
	}
	res, err := ss.run(ctx, chunks, false)
	if err != nil {
		cntSaveCalls.WithLabelValues("false", "error").Inc()
		return nil, err
	}
	if err := ss.mergeHeader(ctx, nil, nil); err != nil {
		cntSaveCalls.WithLabelValues("false", "error").Inc()
		return nil, err
	}
	cntSaveCalls.WithLabelValues("false", "ok").Inc()
	log.Infof("Queued %d tiles across %d tasks for map '%s' (chunks this batch: %d).",
		res.TilesScheduled, res.TasksCreated, ss.mapID, len(res.ProcessedChunkIds))
	return res, nil
}

// FinalBatch 最后一次调用：可以顺带最后几个 chunk
type FinalBatch struct {
	Chunks        []model.ChunkInput
	ChunkIDs      []string
	DeleteMissing bool
	TileCount     int
}

// Commit 目标集合 = ChunkIDs ∪ 本会话发出的 chunk；先写元数据再删除集合之外的 chunk
func (ss *SaveSession) Commit(ctx context.Context, fb FinalBatch) (*model.SaveResult, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.committed {
		return nil, ErrSessionCommitted
	}
	limits := ss.svc.limits
	if err := validateChunkIDs(fb.ChunkIDs, limits); err != nil {
		return nil, err
	}
	if fb.TileCount < 0 {
		return nil, invalid("", "tileCount", "tileCount must not be negative")
	}
	res, err := ss.run(ctx, fb.Chunks, true, fb.ChunkIDs...)
	if err != nil {
		cntSaveCalls.WithLabelValues("true", "error").Inc()
		return nil, err
	}

	target := make(map[string]struct{}, len(fb.ChunkIDs)+len(ss.sent))
	for _, id := range fb.ChunkIDs {
		target[id] = struct{}{}
	}
	for id := range ss.sent {
		target[id] = struct{}{}
	}
	chunkIDs := make([]string, 0, len(target))
	for id := range target {
		chunkIDs = append(chunkIDs, id)
	}
	sort.Strings(chunkIDs)

	tileCount := fb.TileCount
	if err := ss.mergeHeader(ctx, chunkIDs, &tileCount); err != nil {
		cntSaveCalls.WithLabelValues("true", "error").Inc()
		return nil, err
	}
	ss.committed = true

	if fb.DeleteMissing {
		existing, err := ss.svc.store.ListChunkIDs(ctx, ss.mapID)
		if err != nil {
			cntSaveCalls.WithLabelValues("true", "error").Inc()
			return nil, err
		}
		var stale []string
		for _, id := range existing {
			if _, ok := target[id]; !ok {
				stale = append(stale, id)
			}
		}
		n, err := ss.svc.store.DeleteChunks(ctx, ss.mapID, stale, limits.DeleteBatchSize)
		res.DeletedChunks = n
		cntChunksDeleted.Add(float64(n))
		if err != nil {
			cntSaveCalls.WithLabelValues("true", "error").Inc()
			return nil, err
		}
	}

	cntSaveCalls.WithLabelValues("true", "ok").Inc()
	log.WithFields(log.Fields{
		"mapId":          ss.mapID,
		"tasksCreated":   res.TasksCreated,
		"tilesScheduled": res.TilesScheduled,
		"chunkIdsCount":  len(chunkIDs),
		"deletedChunks":  res.DeletedChunks,
	}).Info("final save batch committed")
	return res, nil
}

// run 校验并入队。final 时 extraIDs 参与 chunk 数量上限校验；入队失败时不动元数据
func (ss *SaveSession) run(ctx context.Context, chunks []model.ChunkInput, final bool, extraIDs ...string) (*model.SaveResult, error) {
	limits := ss.svc.limits
	valid, err := validateChunks(chunks, ss.header.ChunkSize, limits)
	if err != nil {
		return nil, err
	}
	incoming := make([]string, 0, len(valid))
	for _, c := range valid {
		incoming = append(incoming, c.ID)
	}
	if final {
		union := make(map[string]struct{}, len(extraIDs)+len(incoming)+len(ss.sent))
		for _, id := range extraIDs {
			union[id] = struct{}{}
		}
		for _, id := range incoming {
			union[id] = struct{}{}
		}
		for id := range ss.sent {
			union[id] = struct{}{}
		}
		if len(union) > limits.MaxChunkDocs {
			return nil, invalid("", "chunkIds", "too many chunk ids (%d). Maximum supported is %d", len(union), limits.MaxChunkDocs)
		}
	}

	if len(valid) > 0 && ss.generation == 0 {
		gen, err := ss.svc.nextGen(ctx, ss.mapID)
		if err != nil {
			return nil, err
		}
		ss.generation = gen
	}
	tasks, tiles, err := ss.enqueue(ctx, valid)
	if err != nil {
		return nil, err
	}
	for _, id := range incoming {
		ss.sent[id] = struct{}{}
	}
	return &model.SaveResult{
		Success:           true,
		MapID:             ss.mapID,
		TasksCreated:      tasks,
		TilesScheduled:    tiles,
		ProcessedChunkIds: incoming,
		FinalBatch:        final,
		Queue:             ss.svc.queue.Ref(),
	}, nil
}

// enqueue 每个 chunk 按 TilesPerTask 切片；攒够 FlushSize 个就等一轮，失败立即停止
func (ss *SaveSession) enqueue(ctx context.Context, chunks []validChunk) (int, int, error) {
	limits := ss.svc.limits
	var (
		tasksCreated   atomic.Int64
		tilesScheduled atomic.Int64
		pending        []*model.TileTask
	)
	flush := func(reason string) error {
		if len(pending) == 0 {
			return nil
		}
		log.Debugf("Flushing task batch map=%s count=%d reason=%s", ss.mapID, len(pending), reason)
		g, gctx := errgroup.WithContext(ctx)
		for _, t := range pending {
			t := t
			g.Go(func() error {
				if err := ss.svc.queue.Enqueue(gctx, t); err != nil {
					log.Errorf("Failed to create task map=%s chunk=%s slice=%d tiles=%d: %v",
						t.MapID, t.ChunkID, t.SliceIndex, len(t.Tiles), err)
					return err
				}
				tasksCreated.Add(1)
				tilesScheduled.Add(int64(len(t.Tiles)))
				return nil
			})
		}
		pending = pending[:0]
		if err := g.Wait(); err != nil {
			return fmt.Errorf("%w: %v", ErrQueueDispatch, err)
		}
		return nil
	}

	for _, c := range chunks {
		slices := tools.Chunk(c.Tiles, limits.TilesPerTask)
		if len(slices) == 0 {
			// 空 chunk 也要发一个任务，把已存的内容清掉
			slices = [][]model.TileRow{{}}
		}
		for i, sl := range slices {
			pending = append(pending, &model.TileTask{
				MapID:      ss.mapID,
				ChunkID:    c.ID,
				ChunkSize:  ss.header.ChunkSize,
				Generation: ss.generation,
				SliceIndex: i,
				SliceCount: len(slices),
				Tiles:      toInputs(sl),
			})
			if len(pending) >= limits.FlushSize {
				if err := flush("flushSizeReached"); err != nil {
					return int(tasksCreated.Load()), int(tilesScheduled.Load()), err
				}
			}
		}
	}
	if err := flush("finalize"); err != nil {
		return int(tasksCreated.Load()), int(tilesScheduled.Load()), err
	}
	cntTasksEnqueued.Add(float64(tasksCreated.Load()))
	cntTilesScheduled.Add(float64(tilesScheduled.Load()))
	return int(tasksCreated.Load()), int(tilesScheduled.Load()), nil
}

func (ss *SaveSession) mergeHeader(ctx context.Context, chunkIDs []string, tileCount *int) error {
	h := ss.header
	if err := ss.svc.store.MergeMeta(ctx, ss.mapID, MetaPatch{
		PlanetName:    h.PlanetName,
		PlanetSurface: h.PlanetSurface,
		PlanetSize:    h.PlanetSize,
		ChunkSize:     h.ChunkSize,
		TileCount:     tileCount,
		OwnerID:       h.OwnerID,
	}); err != nil {
		return err
	}
	return ss.svc.store.MergeMapData(ctx, ss.mapID, h.ChunkSize, chunkIDs, tileCount)
}

// toInputs 任务体里的 tile 与持久化形状一致
func toInputs(rows []model.TileRow) []model.TileInput {
	out := make([]model.TileInput, len(rows))
	for i, r := range rows {
		out[i] = r.Input()
	}
	return out
}
