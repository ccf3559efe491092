package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"time"

	"planet/api/log"
	"planet/api/model"
	"planet/api/tile"

	"github.com/cespare/xxhash/v2"
)

type TileTaskService struct {
	store *MapStore
}

func NewTileTaskService(store *MapStore) *TileTaskService {
	return &TileTaskService{store: store}
}

type TaskResult struct {
	Success        bool         `json:"success"`
	ProcessedTiles int          `json:"processedTiles"`
	DroppedTiles   int          `json:"droppedTiles"`
	Outcome        ApplyOutcome `json:"outcome"`
	Rev            int64        `json:"rev"`
}

// 丢弃原因，对应 planet_task_tiles_dropped 的 reason
const (
	dropCoords    = "coordinates"
	dropTransform = "transform"
	dropChunk     = "outside_chunk"
	dropEmpty     = "empty"
	dropShape     = "shape"
)

// Process 把一个 slice 写进 chunk。格式坏掉的 tile 丢弃并计数，不让整个任务失败。
func (s *TileTaskService) Process(ctx context.Context, task *model.TileTask) (*TaskResult, error) {
	start := time.Now()
	defer func() { histTaskDur.Observe(time.Since(start).Seconds()) }()

	if strings.TrimSpace(task.MapID) == "" {
		return nil, invalid("", "mapId", "mapId must be provided")
	}
	if strings.TrimSpace(task.ChunkID) == "" {
		return nil, invalid("", "chunkId", "chunkId must be provided")
	}
	chunkSize := task.ChunkSize
	if !tile.ValidChunkSize(chunkSize) {
		chunkSize = tile.DefaultChunkSize
	}
	sliceCount := task.SliceCount
	if sliceCount <= 0 {
		sliceCount = 1
	}
	if task.SliceIndex < 0 || task.SliceIndex >= sliceCount {
		return nil, invalid(task.ChunkID, "sliceIndex", "sliceIndex %d out of range [0,%d)", task.SliceIndex, sliceCount)
	}

	coord, coordErr := tile.ParseChunkID(task.ChunkID)
	isCoord := coordErr == nil

	entries := task.Entries()
	rows := make([]model.TileRow, 0, len(entries))
	dropped := 0
	for _, in := range entries {
		row, reason := normalizeTaskTile(in)
		if reason == "" && isCoord {
			if id, _ := tile.ChunkIDOf(tile.Cell{X: row.X, Y: row.Y}, chunkSize); id != task.ChunkID {
				reason = dropChunk
			}
		}
		if reason == "" && row.Record().IsEmpty() {
			reason = dropEmpty
		}
		if reason != "" {
			dropped++
			cntTilesDropped.WithLabelValues(reason).Inc()
			continue
		}
		rows = append(rows, row)
	}
	if dropped > 0 {
		log.Warnf("processMapTileTask dropped %d malformed tiles map=%s chunk=%s", dropped, task.MapID, task.ChunkID)
	}

	digest, err := sliceDigest(rows)
	if err != nil {
		cntTasksProcessed.WithLabelValues("failed").Inc()
		return nil, err
	}
	generation := task.Generation
	outcome, rev, err := s.store.ApplySlice(ctx, SliceWrite{
		MapID:      task.MapID,
		ChunkID:    task.ChunkID,
		Coord:      coord,
		ChunkSize:  chunkSize,
		Generation: generation,
		SliceIndex: task.SliceIndex,
		SliceCount: sliceCount,
		Tiles:      rows,
		Digest:     digest,
	})
	if err != nil {
		cntTasksProcessed.WithLabelValues("failed").Inc()
		log.Errorf("processMapTileTask failed map=%s chunk=%s: %v", task.MapID, task.ChunkID, err)
		return nil, err
	}
	cntTasksProcessed.WithLabelValues(string(outcome)).Inc()
	log.Debugf("processMapTileTask %s tiles map=%s chunk=%s slice=%d/%d processed=%d rev=%d",
		outcome, task.MapID, task.ChunkID, task.SliceIndex, sliceCount, len(rows), rev)

	return &TaskResult{
		Success:        true,
		ProcessedTiles: len(rows),
		DroppedTiles:   dropped,
		Outcome:        outcome,
		Rev:            rev,
	}, nil
}

// normalizeTaskTile 宽松版本：层默认 Surface，只丢弃真正无法存的条目
func normalizeTaskTile(in model.TileInput) (model.TileRow, string) {
	if in.Malformed() {
		return model.TileRow{}, dropShape
	}
	x, okX := model.NumberOf(in.X)
	y, okY := model.NumberOf(in.Y)
	if !okX || !okY || !integral(x) || !integral(y) {
		return model.TileRow{}, dropCoords
	}
	tf, ok := model.TransformOf(in.Transform)
	if !ok {
		return model.TileRow{}, dropTransform
	}
	name, okN := model.OptString(in.TileName)
	obj, okO := model.OptString(in.TileObjectPath)
	if !okN || !okO {
		return model.TileRow{}, dropShape
	}
	return model.TileRow{
		X:              int(x),
		Y:              int(y),
		TileName:       name,
		TileObjectPath: obj,
		TileLayer:      model.LayerOf(in.TileLayer, tile.LayerSurface),
		Transform:      tile.EncodeTransform(tile.DecodeTransform(tf)),
	}, ""
}

func integral(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f == math.Trunc(f) && f <= math.MaxInt32 && f >= math.MinInt32
}

// sliceDigest 持久化字节的 xxhash，重放同一个任务时用来判断是否需要重写
func sliceDigest(rows []model.TileRow) (string, error) {
	raw, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	var sum [8]byte
	h := xxhash.Sum64(raw)
	for i := 0; i < 8; i++ {
		sum[7-i] = byte(h >> (8 * i))
	}
	return hex.EncodeToString(sum[:]), nil
}
