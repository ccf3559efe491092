package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"planet/api/api/common"
	"planet/api/api/interceptor"
	"planet/api/client/loader"
	"planet/api/client/mapcache"
	"planet/api/client/mapsave"
	"planet/api/codes"
	"planet/api/config"
	"planet/api/model"
	"planet/api/service"
	"planet/api/service/mappkg"
	"planet/api/system"
	"planet/api/tile"
	"planet/api/tools"

	"github.com/davecgh/go-spew/spew"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/idtoken"
)

const (
	userSecret = "user-secret"
	taskSecret = "task-secret"
)

type recQueue struct {
	mu    sync.Mutex
	tasks []*model.TileTask
}

func (q *recQueue) Ref() string { return "test" }

func (q *recQueue) Enqueue(_ context.Context, task *model.TileTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *task
	q.tasks = append(q.tasks, &cp)
	return nil
}

func (q *recQueue) drain() []*model.TileTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

type fixture struct {
	srv   *httptest.Server
	queue *recQueue
}

func newFixture(t *testing.T, auth config.AuthConfig, validator interceptor.IDTokenValidator) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := system.OpenDb(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "api.db"),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	require.NoError(t, service.AutoMigrate(db))

	store := service.NewMapStore(db, nil)
	q := &recQueue{}
	maps := service.NewMapService(store)
	deps := Deps{
		Maps:             maps,
		Saver:            service.NewMapSaveService(store, q, service.DefaultSaveLimits()),
		Tasks:            service.NewTileTaskService(store),
		Assembler:        mappkg.NewMapAssembler(maps),
		Auth:             auth,
		IDTokenValidator: validator,
	}
	r := gin.New()
	Routers(&r.RouterGroup, deps)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return &fixture{srv: srv, queue: q}
}

func jwtAuth() config.AuthConfig {
	return config.AuthConfig{JWTSecret: userSecret, TaskMode: "jwt", TaskSecret: taskSecret}
}

func sign(t *testing.T, secret, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func post(t *testing.T, url, token string, body any) (*nethttp.Response, common.Response) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := nethttp.NewRequest(nethttp.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := nethttp.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out common.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (f *fixture) deliver(t *testing.T) {
	t.Helper()
	token := sign(t, taskSecret, "queue")
	for _, task := range f.queue.drain() {
		resp, out := post(t, f.srv.URL+"/tasks/map-tile", token, task)
		require.Equal(t, nethttp.StatusOK, resp.StatusCode, spew.Sdump(out))
	}
}

func surfaceAt(x, y int, name string) tile.Record {
	return tile.Record{Cell: tile.Cell{X: x, Y: y}, Layer: tile.LayerSurface, TileRef: tools.StrPtr(name)}
}

func TestCreateSaveAndLoadRoundTrip(t *testing.T) {
	f := newFixture(t, jwtAuth(), nil)
	ctx := context.Background()
	client := loader.NewClient(f.srv.URL, loader.ClientOptions{Token: sign(t, userSecret, "u1"), RetryInterval: time.Millisecond})

	meta, err := client.CreateMap(ctx, model.CreateMapRequest{PlanetName: "Terra", PlanetSize: 100})
	require.NoError(t, err)
	require.Len(t, meta.ID, model.MapIDLength)

	sess, err := mapsave.NewSession(client, mapsave.Header{
		MapID: meta.ID, PlanetName: "Terra", PlanetSurface: meta.PlanetSurface, PlanetSize: 100, ChunkSize: 32,
	})
	require.NoError(t, err)
	require.NoError(t, sess.Add(
		surfaceAt(1, 1, "MapPallet/Grass/Sand"),
		surfaceAt(40, 2, "MapPallet/Snow"),
		tile.Record{Cell: tile.Cell{X: 3, Y: 70}, Layer: tile.LayerOverlay, ObjectRef: tools.StrPtr("Objects/Tree")},
	))
	sum, err := sess.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TasksCreated)
	assert.True(t, sum.Final.FinalBatch)
	f.deliver(t)

	cache, err := mapcache.New(0, nil)
	require.NoError(t, err)
	l := loader.New(client, cache, nil, loader.Options{Batch: 2})
	e, err := l.LoadByName(ctx, "terra")
	require.NoError(t, err)
	assert.Equal(t, meta.ID, e.MapID)
	assert.Equal(t, 3, e.TileCount)
	assert.Equal(t, 3, e.Overrides.Len())
	v, ok := e.Overrides.Get(tile.Cell{X: 3, Y: 70})
	require.True(t, ok)
	assert.Equal(t, "Objects/Tree", v.ObjectRef)

	// 第二次保存只保留一个 chunk，其余被删掉
	sess2, err := mapsave.NewSession(client, sess.Header())
	require.NoError(t, err)
	require.NoError(t, sess2.Add(surfaceAt(1, 1, "MapPallet/Dirt")))
	sum2, err := sess2.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sum2.DeletedChunks)
	f.deliver(t)

	view, err := client.GetMap(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"0_0"}, view.ChunkIds)

	_, out := post(t, f.srv.URL+"/maps/"+meta.ID+"/snapshot", "", map[string]any{})
	require.Equal(t, codes.CODE_SUCCESS, out.Code, spew.Sdump(out))
	var snap mappkg.Snapshot
	remarshal(t, out.Data, &snap)
	require.Len(t, snap.Tiles, 1)
	assert.Equal(t, "MapPallet/Dirt", tools.Deref(snap.Tiles[0].TileName))
}

func remarshal(t *testing.T, in, out any) {
	t.Helper()
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestAuthRoutesRequireBearer(t *testing.T) {
	f := newFixture(t, jwtAuth(), nil)

	resp, out := post(t, f.srv.URL+"/auth/maps", "", model.CreateMapRequest{PlanetName: "Terra"})
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, codes.KindUnauthenticated, out.Kind)

	resp, _ = post(t, f.srv.URL+"/auth/maps", sign(t, "wrong", "u1"), model.CreateMapRequest{PlanetName: "Terra"})
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)

	resp, _ = post(t, f.srv.URL+"/tasks/map-tile", sign(t, userSecret, "u1"), model.TileTask{})
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)
}

func TestSaveValidationErrorKind(t *testing.T) {
	f := newFixture(t, jwtAuth(), nil)
	token := sign(t, userSecret, "u1")
	size := 0
	resp, out := post(t, f.srv.URL+"/auth/maps/m1/save", token, model.SaveRequest{
		PlanetSize: 100,
		ChunkSize:  &size,
		Chunks:     []model.ChunkInput{},
	})
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, codes.CODE_ERR_BAD_PARAMS, out.Code)
	assert.Equal(t, codes.KindInvalidArgument, out.Kind)
	assert.Empty(t, f.queue.drain())
}

func TestSaveMetadataOnlyFinalCall(t *testing.T) {
	f := newFixture(t, jwtAuth(), nil)
	token := sign(t, userSecret, "u1")

	// 最后一次调用可以不带 chunks
	body := map[string]any{
		"planetName":    "Terra",
		"planetSurface": model.DefaultPlanetSurface,
		"planetSize":    100,
		"chunkIds":      []string{"0_0"},
		"tileCount":     1,
	}
	_, out := post(t, f.srv.URL+"/auth/maps/m9/save", token, body)
	require.Equal(t, codes.CODE_SUCCESS, out.Code, spew.Sdump(out))
	var res model.SaveResult
	remarshal(t, out.Data, &res)
	assert.True(t, res.FinalBatch)
	assert.Zero(t, res.TasksCreated)
	assert.Empty(t, f.queue.drain())

	client := loader.NewClient(f.srv.URL, loader.ClientOptions{})
	view, err := client.GetMap(context.Background(), "m9")
	require.NoError(t, err)
	assert.Equal(t, []string{"0_0"}, view.ChunkIds)
	assert.Equal(t, 1, view.TileCount)
}

func TestSaveRejectsOtherOwner(t *testing.T) {
	f := newFixture(t, jwtAuth(), nil)
	ctx := context.Background()
	owner := loader.NewClient(f.srv.URL, loader.ClientOptions{Token: sign(t, userSecret, "u1")})
	meta, err := owner.CreateMap(ctx, model.CreateMapRequest{PlanetName: "Terra"})
	require.NoError(t, err)

	other := loader.NewClient(f.srv.URL, loader.ClientOptions{Token: sign(t, userSecret, "u2")})
	ids := []string{}
	_, err = other.Save(ctx, &model.SaveRequest{MapID: meta.ID, PlanetSize: 100, Chunks: []model.ChunkInput{}, ChunkIds: &ids})
	var apiErr *loader.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, codes.KindUnauthenticated, apiErr.Kind)
}

func TestGetMapNotFound(t *testing.T) {
	f := newFixture(t, jwtAuth(), nil)
	client := loader.NewClient(f.srv.URL, loader.ClientOptions{})
	_, err := client.GetMap(context.Background(), "missing")
	assert.ErrorIs(t, err, loader.ErrNotFound)
}

func TestTaskRejectsMalformedTask(t *testing.T) {
	f := newFixture(t, jwtAuth(), nil)
	resp, out := post(t, f.srv.URL+"/tasks/map-tile", sign(t, taskSecret, "queue"), model.TileTask{ChunkID: "0_0"})
	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, codes.KindInvalidArgument, out.Kind)
}

func TestTaskDropsNonObjectTiles(t *testing.T) {
	f := newFixture(t, jwtAuth(), nil)
	body := json.RawMessage(`{"mapId":"m1","chunkId":"0_0","chunkSize":32,"generation":1,"sliceCount":1,
		"tiles":[5,"junk",null,{"x":1,"y":1,"TileName":"Tiles/Rock"}]}`)
	resp, out := post(t, f.srv.URL+"/tasks/map-tile", sign(t, taskSecret, "queue"), body)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode, spew.Sdump(out))
	var res service.TaskResult
	remarshal(t, out.Data, &res)
	assert.Equal(t, 1, res.ProcessedTiles)
	assert.Equal(t, 3, res.DroppedTiles)

	_, out = post(t, f.srv.URL+"/maps/m1/chunks", "", model.ChunksRequest{IDs: []string{"0_0"}})
	require.Equal(t, codes.CODE_SUCCESS, out.Code, spew.Sdump(out))
	var chunks model.ChunksResponse
	remarshal(t, out.Data, &chunks)
	require.Len(t, chunks.Chunks, 1)
	require.Len(t, chunks.Chunks[0].Tiles, 1)
	assert.Equal(t, "Tiles/Rock", tools.Deref(chunks.Chunks[0].Tiles[0].TileName))
}

func TestTaskOIDCChecksPrincipal(t *testing.T) {
	auth := config.AuthConfig{
		JWTSecret:          userSecret,
		TaskMode:           "oidc",
		TaskAudience:       "https://planet.example/tasks/map-tile",
		TaskServiceAccount: "tasks@proj.iam.gserviceaccount.com",
	}
	validator := func(_ context.Context, token, audience string) (*idtoken.Payload, error) {
		if audience != auth.TaskAudience {
			return nil, errors.New("audience mismatch")
		}
		switch token {
		case "good":
			return &idtoken.Payload{Claims: map[string]interface{}{"email": auth.TaskServiceAccount}}, nil
		case "stranger":
			return &idtoken.Payload{Claims: map[string]interface{}{"email": "someone@else.com"}}, nil
		}
		return nil, errors.New("bad token")
	}
	f := newFixture(t, auth, validator)
	task := model.TileTask{MapID: "m1", ChunkID: "0_0", ChunkSize: 32, Generation: 1, SliceCount: 1, Tiles: []model.TileInput{}}

	resp, _ := post(t, f.srv.URL+"/tasks/map-tile", "stranger", task)
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)
	resp, _ = post(t, f.srv.URL+"/tasks/map-tile", "garbage", task)
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)

	resp, out := post(t, f.srv.URL+"/tasks/map-tile", "good", task)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode, spew.Sdump(out))
}
