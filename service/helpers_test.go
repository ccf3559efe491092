package service

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"planet/api/config"
	"planet/api/model"
	"planet/api/system"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *MapStore {
	t.Helper()
	db, err := system.OpenDb(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "planet.db"),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewMapStore(db, nil)
}

// memQueue 记录任务；failAt>0 时第 failAt 个任务开始失败
type memQueue struct {
	mu     sync.Mutex
	tasks  []*model.TileTask
	failAt int
	calls  int
}

func (q *memQueue) Ref() string { return "mem" }

func (q *memQueue) Enqueue(ctx context.Context, task *model.TileTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.failAt > 0 && q.calls >= q.failAt {
		return errors.New("queue unavailable")
	}
	cp := *task
	q.tasks = append(q.tasks, &cp)
	return nil
}

// take 取出已入队的任务，按 chunk/slice 排序
func (q *memQueue) take() []*model.TileTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChunkID != out[j].ChunkID {
			return out[i].ChunkID < out[j].ChunkID
		}
		return out[i].SliceIndex < out[j].SliceIndex
	})
	return out
}

func processAll(t *testing.T, proc *TileTaskService, tasks []*model.TileTask) {
	t.Helper()
	for _, task := range tasks {
		_, err := proc.Process(context.Background(), task)
		require.NoError(t, err)
	}
}

func tileIn(x, y int, name string) model.TileInput {
	return model.TileInput{X: float64(x), Y: float64(y), TileName: name, TileLayer: "Surface"}
}

func chunkIn(id string, tiles ...model.TileInput) model.ChunkInput {
	if tiles == nil {
		tiles = []model.TileInput{}
	}
	return model.ChunkInput{ID: id, Tiles: &tiles}
}

func intPtr(v int) *int { return &v }

func strsPtr(v ...string) *[]string {
	if v == nil {
		v = []string{}
	}
	return &v
}
