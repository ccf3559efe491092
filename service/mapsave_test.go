package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"planet/api/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type saveFixture struct {
	store *MapStore
	queue *memQueue
	saver *MapSaveService
	proc  *TileTaskService
}

func newSaveFixture(t *testing.T) *saveFixture {
	store := newTestStore(t)
	q := &memQueue{}
	return &saveFixture{
		store: store,
		queue: q,
		saver: NewMapSaveService(store, q, SaveLimits{}),
		proc:  NewTileTaskService(store),
	}
}

func baseRequest(mapID string) model.SaveRequest {
	return model.SaveRequest{
		MapID:         mapID,
		PlanetName:    "Terra",
		PlanetSurface: model.DefaultPlanetSurface,
		PlanetSize:    100,
		ChunkSize:     intPtr(32),
		Chunks:        []model.ChunkInput{},
	}
}

func TestSaveFinalBatchGating(t *testing.T) {
	f := newSaveFixture(t)
	ctx := context.Background()

	// 先放一个旧的 chunk "2_2"
	old := baseRequest("m1")
	old.Chunks = []model.ChunkInput{chunkIn("2_2", tileIn(70, 70, "Tiles/Sand"))}
	old.ChunkIds = strsPtr("2_2")
	old.TileCount = 1
	_, err := f.saver.Save(ctx, old, "u1")
	require.NoError(t, err)
	processAll(t, f.proc, f.queue.take())

	before, err := f.store.GetMapData(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, []string{"2_2"}, before.ChunkIds)

	// 第一批：不是 final
	call1 := baseRequest("m1")
	call1.Chunks = []model.ChunkInput{chunkIn("0_0",
		tileIn(0, 0, "Tiles/Rock"), tileIn(1, 0, "Tiles/Rock"), tileIn(31, 5, "Tiles/Grass"))}
	res, err := f.saver.Save(ctx, call1, "u1")
	require.NoError(t, err)
	assert.False(t, res.FinalBatch)
	assert.Equal(t, 1, res.TasksCreated)
	assert.Equal(t, 3, res.TilesScheduled)
	assert.Equal(t, []string{"0_0"}, res.ProcessedChunkIds)

	mid, err := f.store.GetMapData(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"2_2"}, mid.ChunkIds)
	assert.Equal(t, 1, mid.TileCount)
	processAll(t, f.proc, f.queue.take())

	// 第二批：final，只带 chunk id 列表
	call2 := baseRequest("m1")
	call2.ChunkIds = strsPtr("0_0")
	call2.TileCount = 3
	res, err = f.saver.Save(ctx, call2, "u1")
	require.NoError(t, err)
	assert.True(t, res.FinalBatch)
	assert.Equal(t, 0, res.TasksCreated)
	assert.Equal(t, 1, res.DeletedChunks)

	after, err := f.store.GetMapData(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"0_0"}, after.ChunkIds)
	assert.Equal(t, 3, after.TileCount)

	meta, err := f.store.GetMeta(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 3, meta.TileCount)
	assert.Equal(t, "Terra", meta.PlanetName)

	_, err = f.store.GetChunk(ctx, "m1", "2_2")
	assert.ErrorIs(t, err, ErrChunkNotFound)
	doc, err := f.store.GetChunk(ctx, "m1", "0_0")
	require.NoError(t, err)
	assert.Len(t, doc.Tiles, 3)
}

func TestSaveWithoutDeleteKeepsStaleChunks(t *testing.T) {
	f := newSaveFixture(t)
	ctx := context.Background()

	first := baseRequest("m2")
	first.Chunks = []model.ChunkInput{chunkIn("1_1", tileIn(40, 40, "Tiles/Sand"))}
	first.ChunkIds = strsPtr()
	_, err := f.saver.Save(ctx, first, "")
	require.NoError(t, err)
	processAll(t, f.proc, f.queue.take())

	second := baseRequest("m2")
	second.ChunkIds = strsPtr("0_0")
	no := false
	second.DeleteMissingChunks = &no
	res, err := f.saver.Save(ctx, second, "")
	require.NoError(t, err)
	assert.Zero(t, res.DeletedChunks)

	ids, err := f.store.ListChunkIDs(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, []string{"1_1"}, ids)
	data, err := f.store.GetMapData(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, []string{"0_0"}, data.ChunkIds)
}

func TestSaveSplitsLargeChunks(t *testing.T) {
	f := newSaveFixture(t)
	ctx := context.Background()

	var tiles []model.TileInput
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			tiles = append(tiles, tileIn(x, y, "Tiles/Rock"))
		}
	}
	req := baseRequest("big")
	req.ChunkSize = intPtr(64)
	req.Chunks = []model.ChunkInput{chunkIn("0_0", tiles...), chunkIn("5_5")}
	req.ChunkIds = strsPtr()
	res, err := f.saver.Save(ctx, req, "")
	require.NoError(t, err)
	assert.Equal(t, 4, res.TasksCreated) // 500+500+200，外加空 chunk 的一个
	assert.Equal(t, 1200, res.TilesScheduled)

	tasks := f.queue.take()
	require.Len(t, tasks, 4)
	// 倒序处理：最后一片先到也不会覆盖其它片
	for i := len(tasks) - 1; i >= 0; i-- {
		_, err := f.proc.Process(ctx, tasks[i])
		require.NoError(t, err)
	}
	doc, err := f.store.GetChunk(ctx, "big", "0_0")
	require.NoError(t, err)
	assert.Len(t, doc.Tiles, 1200)

	empty, err := f.store.GetChunk(ctx, "big", "5_5")
	require.NoError(t, err)
	assert.Empty(t, empty.Tiles)

	data, err := f.store.GetMapData(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, []string{"0_0", "5_5"}, data.ChunkIds)
}

func TestSaveValidationRejectsBeforeSideEffects(t *testing.T) {
	cases := map[string]func(r *model.SaveRequest){
		"empty map id":     func(r *model.SaveRequest) { r.MapID = " " },
		"planet size zero": func(r *model.SaveRequest) { r.PlanetSize = 0 },
		"planet too large": func(r *model.SaveRequest) { r.PlanetSize = 10001 },
		"chunk size":       func(r *model.SaveRequest) { r.ChunkSize = intPtr(2000) },
		"missing tiles":    func(r *model.SaveRequest) { r.Chunks = []model.ChunkInput{{ID: "0_0"}} },
		"blank chunk id":   func(r *model.SaveRequest) { r.Chunks = []model.ChunkInput{chunkIn("", tileIn(1, 1, "a"))} },
		"tile not an object": func(r *model.SaveRequest) {
			var c model.ChunkInput
			_ = json.Unmarshal([]byte(`{"id":"0_0","tiles":[{"x":1,"y":1,"TileName":"a"},7]}`), &c)
			r.Chunks = []model.ChunkInput{c}
		},
		"duplicate ids": func(r *model.SaveRequest) {
			r.Chunks = []model.ChunkInput{chunkIn("0_0", tileIn(1, 1, "a")), chunkIn("0_0", tileIn(2, 2, "a"))}
		},
		"tile outside chunk": func(r *model.SaveRequest) {
			r.Chunks = []model.ChunkInput{chunkIn("0_0", tileIn(1, 1, "a"), tileIn(40, 5, "a"))}
		},
		"non numeric x": func(r *model.SaveRequest) {
			r.Chunks = []model.ChunkInput{chunkIn("0_0", model.TileInput{X: "1", Y: 1.0, TileName: "a"})}
		},
		"fractional y": func(r *model.SaveRequest) {
			r.Chunks = []model.ChunkInput{chunkIn("0_0", model.TileInput{X: 1.0, Y: 1.5, TileName: "a"})}
		},
		"short transform": func(r *model.SaveRequest) {
			tf := make([]any, 15)
			for i := range tf {
				tf[i] = 1.0
			}
			r.Chunks = []model.ChunkInput{chunkIn("0_0", model.TileInput{X: 1.0, Y: 1.0, TileName: "a", Transform: tf})}
		},
		"tile name not string": func(r *model.SaveRequest) {
			r.Chunks = []model.ChunkInput{chunkIn("0_0", model.TileInput{X: 1.0, Y: 1.0, TileName: 3.0})}
		},
		"blank chunk ids entry": func(r *model.SaveRequest) { r.ChunkIds = strsPtr("0_0", "") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newSaveFixture(t)
			req := baseRequest("m3")
			req.Chunks = []model.ChunkInput{chunkIn("0_0", tileIn(1, 1, "Tiles/Rock"))}
			mutate(&req)

			_, err := f.saver.Save(context.Background(), req, "")
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Zero(t, f.queue.calls)
			_, err = f.store.GetMeta(context.Background(), "m3")
			assert.ErrorIs(t, err, ErrMapNotFound)
		})
	}
}

func TestSaveValidationNamesChunkAndField(t *testing.T) {
	f := newSaveFixture(t)
	req := baseRequest("m4")
	req.Chunks = []model.ChunkInput{chunkIn("1_0", tileIn(40, 5, "a"), model.TileInput{X: 41.0, Y: 5.0, TileName: "a", Transform: []any{1.0}})}
	_, err := f.saver.Save(context.Background(), req, "")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "1_0", ve.ChunkID)
	assert.Equal(t, "tiles[1].Transform", ve.Field)
}

func TestSaveTooManyTilesInChunk(t *testing.T) {
	store := newTestStore(t)
	q := &memQueue{}
	saver := NewMapSaveService(store, q, SaveLimits{MaxTilesPerChunk: 2})
	req := baseRequest("m5")
	req.Chunks = []model.ChunkInput{chunkIn("0_0", tileIn(0, 0, "a"), tileIn(1, 0, "a"), tileIn(2, 0, "a"))}
	_, err := saver.Save(context.Background(), req, "")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "tiles", ve.Field)
}

func TestSaveQueueFailureLeavesMetadataUntouched(t *testing.T) {
	f := newSaveFixture(t)
	ctx := context.Background()
	f.queue.failAt = 2

	req := baseRequest("m6")
	req.Chunks = []model.ChunkInput{
		chunkIn("0_0", tileIn(0, 0, "a")),
		chunkIn("1_0", tileIn(32, 0, "a")),
		chunkIn("2_0", tileIn(64, 0, "a")),
	}
	req.ChunkIds = strsPtr("0_0", "1_0", "2_0")
	_, err := f.saver.Save(ctx, req, "")
	require.ErrorIs(t, err, ErrQueueDispatch)

	_, err = f.store.GetMeta(ctx, "m6")
	assert.ErrorIs(t, err, ErrMapNotFound)
	_, err = f.store.GetMapData(ctx, "m6")
	assert.ErrorIs(t, err, ErrMapNotFound)
}

func TestSaveDropsEmptyRecords(t *testing.T) {
	f := newSaveFixture(t)
	req := baseRequest("m7")
	req.Chunks = []model.ChunkInput{chunkIn("0_0",
		tileIn(0, 0, "a"),
		model.TileInput{X: 1.0, Y: 0.0, TileName: nil, TileObjectPath: nil},
	)}
	res, err := f.saver.Save(context.Background(), req, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.TilesScheduled)
}

func TestSaveSessionCommitIsFinalOnce(t *testing.T) {
	f := newSaveFixture(t)
	ctx := context.Background()

	sess, err := f.saver.Begin("m8", MapHeader{PlanetName: "Mars", PlanetSize: 50, ChunkSize: 32})
	require.NoError(t, err)
	_, err = sess.AddChunkBatch(ctx, []model.ChunkInput{chunkIn("0_0", tileIn(1, 1, "a"))})
	require.NoError(t, err)
	_, err = sess.AddChunkBatch(ctx, []model.ChunkInput{chunkIn("1_0", tileIn(33, 1, "a"))})
	require.NoError(t, err)
	processAll(t, f.proc, f.queue.take())

	data, err := f.store.GetMapData(ctx, "m8")
	require.NoError(t, err)
	assert.Empty(t, data.ChunkIds)

	res, err := sess.Commit(ctx, FinalBatch{DeleteMissing: true, TileCount: 2})
	require.NoError(t, err)
	assert.True(t, res.FinalBatch)

	data, err = f.store.GetMapData(ctx, "m8")
	require.NoError(t, err)
	assert.Equal(t, []string{"0_0", "1_0"}, data.ChunkIds)
	assert.Equal(t, 2, data.TileCount)

	_, err = sess.Commit(ctx, FinalBatch{})
	assert.True(t, errors.Is(err, ErrSessionCommitted))
	_, err = sess.AddChunkBatch(ctx, nil)
	assert.ErrorIs(t, err, ErrSessionCommitted)
}

func TestSaveTasksCarryGenerationAndSlices(t *testing.T) {
	f := newSaveFixture(t)
	sess, err := f.saver.Begin("m9", MapHeader{PlanetSize: 10, ChunkSize: 32})
	require.NoError(t, err)
	_, err = sess.AddChunkBatch(context.Background(), []model.ChunkInput{chunkIn("0_0", tileIn(0, 0, "a"))})
	require.NoError(t, err)
	tasks := f.queue.take()
	require.Len(t, tasks, 1)
	assert.Equal(t, sess.Generation(), tasks[0].Generation)
	assert.Equal(t, 0, tasks[0].SliceIndex)
	assert.Equal(t, 1, tasks[0].SliceCount)
	assert.Equal(t, 32, tasks[0].ChunkSize)

	next, err := f.saver.Begin("m9", MapHeader{PlanetSize: 10, ChunkSize: 32})
	require.NoError(t, err)
	assert.Zero(t, next.Generation())
	_, err = next.AddChunkBatch(context.Background(), []model.ChunkInput{chunkIn("0_0", tileIn(1, 0, "b"))})
	require.NoError(t, err)
	assert.Greater(t, next.Generation(), sess.Generation())
}

// 两个实例共用一个库：后开始的 save 拿到更大的 generation，先投递的旧任务不会盖掉它
func TestSaveGenerationIsSharedAcrossInstances(t *testing.T) {
	store := newTestStore(t)
	q := &memQueue{}
	proc := NewTileTaskService(store)
	a := NewMapSaveService(store, q, SaveLimits{})
	b := NewMapSaveService(store, q, SaveLimits{})
	ctx := context.Background()

	reqA := baseRequest("m10")
	reqA.Chunks = []model.ChunkInput{chunkIn("0_0", tileIn(1, 1, "Tiles/Old"))}
	_, err := a.Save(ctx, reqA, "")
	require.NoError(t, err)
	older := q.take()

	reqB := baseRequest("m10")
	reqB.Chunks = []model.ChunkInput{chunkIn("0_0", tileIn(1, 1, "Tiles/New"))}
	_, err = b.Save(ctx, reqB, "")
	require.NoError(t, err)
	newer := q.take()

	require.Len(t, older, 1)
	require.Len(t, newer, 1)
	assert.Greater(t, newer[0].Generation, older[0].Generation)

	processAll(t, proc, newer)
	res, err := proc.Process(ctx, older[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)

	doc, err := store.GetChunk(ctx, "m10", "0_0")
	require.NoError(t, err)
	require.Len(t, doc.Tiles, 1)
	assert.Equal(t, "Tiles/New", *doc.Tiles[0].TileName)
}

func TestSaveGenerationSourceFailureEnqueuesNothing(t *testing.T) {
	f := newSaveFixture(t)
	f.saver.SetGenerationSource(func(context.Context, string) (int64, error) {
		return 0, errors.New("sequence unavailable")
	})
	req := baseRequest("m11")
	req.Chunks = []model.ChunkInput{chunkIn("0_0", tileIn(1, 1, "a"))}
	_, err := f.saver.Save(context.Background(), req, "")
	require.Error(t, err)
	assert.Zero(t, f.queue.calls)
	_, err = f.store.GetMeta(context.Background(), "m11")
	assert.ErrorIs(t, err, ErrMapNotFound)
}
