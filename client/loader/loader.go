package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"planet/api/client/mapcache"
	"planet/api/client/viewport"
	"planet/api/log"
	"planet/api/model"
	"planet/api/tools"

	"golang.org/x/sync/errgroup"
)

var (
	ErrLoadInProgress = errors.New("map load already in progress")
	ErrEmptyKey       = errors.New("map id or name is empty")
)

type State int

const (
	Idle State = iota
	Loading
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Source 地图数据来源，*Client 是默认实现
type Source interface {
	GetMap(ctx context.Context, mapID string) (*model.MapView, error)
	GetMapByName(ctx context.Context, name string) (*model.MapView, error)
	GetChunks(ctx context.Context, mapID string, ids []string) ([]*model.ChunkDoc, error)
}

type Options struct {
	Parallel int // 并发拉 chunk 的请求数
	Batch    int // 每个请求的 chunk 数
}

func (o Options) withDefaults() Options {
	if o.Parallel <= 0 {
		o.Parallel = 8
	}
	if o.Batch <= 0 {
		o.Batch = 100
	}
	return o
}

// Loader 加载状态机：缓存命中直接安装，否则拉元数据和 chunk，回放成 Overrides 后写缓存并交给 engine。
// 同一个 Loader 同时只允许一次加载。
type Loader struct {
	src    Source
	cache  *mapcache.Cache
	engine *viewport.Engine
	opts   Options

	mu      sync.Mutex
	state   State
	current *mapcache.Entry
	err     error
	cancel  context.CancelFunc
}

// New engine 可以为 nil，只做缓存预热。
// 加载和相机覆盖都通过 engine 的投递接口交给渲染循环，Loader 自己从不直接改 engine。
func New(src Source, cache *mapcache.Cache, engine *viewport.Engine, opts Options) *Loader {
	if engine != nil && cache != nil {
		cache.OnOverride(engine.QueueCameraOverride)
	}
	return &Loader{src: src, cache: cache, engine: engine, opts: opts.withDefaults()}
}

func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err 最近一次失败的原因
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Current 当前安装的地图
func (l *Loader) Current() *mapcache.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Cancel 取消进行中的加载
func (l *Loader) Cancel() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Load 按 id 加载
func (l *Loader) Load(ctx context.Context, mapID string) (*mapcache.Entry, error) {
	mapID = strings.TrimSpace(mapID)
	if mapID == "" {
		return nil, ErrEmptyKey
	}
	return l.run(ctx, func(ctx context.Context) (*loaded, error) {
		if e, ok := l.cached(mapID, false); ok {
			return &loaded{entry: e, hit: true}, nil
		}
		view, err := l.src.GetMap(ctx, mapID)
		if err != nil {
			return nil, fmt.Errorf("get map %s: %w", mapID, err)
		}
		e, err := l.fetch(ctx, view)
		if err != nil {
			return nil, err
		}
		return &loaded{entry: e}, nil
	})
}

// LoadByName 按展示名加载（warp），名字忽略大小写
func (l *Loader) LoadByName(ctx context.Context, name string) (*mapcache.Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyKey
	}
	return l.run(ctx, func(ctx context.Context) (*loaded, error) {
		if e, ok := l.cached(name, true); ok {
			return &loaded{entry: e, hit: true}, nil
		}
		view, err := l.src.GetMapByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("get map by name %q: %w", name, err)
		}
		e, err := l.fetch(ctx, view)
		if err != nil {
			return nil, err
		}
		return &loaded{entry: e, alias: name}, nil
	})
}

// Reload 丢掉缓存后重新拉取
func (l *Loader) Reload(ctx context.Context, mapID string) (*mapcache.Entry, error) {
	if l.cache != nil {
		l.cache.Remove(strings.TrimSpace(mapID))
	}
	return l.Load(ctx, mapID)
}

func (l *Loader) cached(key string, byName bool) (*mapcache.Entry, bool) {
	if l.cache == nil {
		return nil, false
	}
	if byName {
		return l.cache.GetByName(key)
	}
	return l.cache.Get(key)
}

// loaded 一次加载的结果；hit 表示来自缓存，alias 是请求时用的名字
type loaded struct {
	entry *mapcache.Entry
	alias string
	hit   bool
}

func (l *Loader) run(ctx context.Context, load func(context.Context) (*loaded, error)) (*mapcache.Entry, error) {
	l.mu.Lock()
	if l.state == Loading {
		l.mu.Unlock()
		return nil, ErrLoadInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	l.state = Loading
	l.err = nil
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()

	res, err := load(ctx)
	if err == nil {
		err = ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancel = nil
	if err != nil {
		log.Warnf("map load failed: %v", err)
		l.state = Failed
		l.err = err
		return nil, err
	}
	e := res.entry
	// 取消检查之后才写缓存，失败或取消的加载不留下任何东西
	if l.cache != nil && !res.hit {
		l.cache.Put(e.MapID, e)
		if res.alias != "" && !tools.SameName(res.alias, e.Name) {
			l.cache.AliasNameToID(res.alias, e.MapID)
		}
	}
	if l.engine != nil {
		if l.cache != nil {
			l.engine.Install(l.cache.Session(e))
		} else {
			l.engine.Install(e.Session())
		}
	}
	l.current = e
	l.state = Loaded
	return e, nil
}

// fetch 拉 chunk 并回放成一个新 Entry，不碰缓存
func (l *Loader) fetch(ctx context.Context, view *model.MapView) (*mapcache.Entry, error) {
	if view == nil || view.Meta == nil {
		return nil, ErrNotFound
	}
	meta := view.Meta
	overrides := viewport.NewOverrides()

	if len(view.ChunkIds) == 0 {
		for _, row := range view.LegacyTiles {
			overrides.Apply(row.Record())
		}
	} else {
		batches := tools.Chunk(view.ChunkIds, l.opts.Batch)
		results := make([][]*model.ChunkDoc, len(batches))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(l.opts.Parallel)
		for i, ids := range batches {
			g.Go(func() error {
				docs, err := l.src.GetChunks(gctx, meta.ID, ids)
				if err != nil {
					return fmt.Errorf("get chunks of %s: %w", meta.ID, err)
				}
				results[i] = docs
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// 按批次顺序回放，结果与并发完成顺序无关
		for _, docs := range results {
			for _, doc := range docs {
				if doc == nil {
					continue
				}
				for _, row := range doc.Tiles {
					overrides.Apply(row.Record())
				}
			}
		}
	}

	chunkSize := view.ChunkSize
	if chunkSize <= 0 {
		chunkSize = meta.ChunkSize
	}
	e := &mapcache.Entry{
		MapID:         meta.ID,
		Name:          meta.PlanetName,
		PlanetSize:    meta.PlanetSize,
		PlanetSurface: meta.PlanetSurface,
		ChunkSize:     chunkSize,
		TileCount:     view.TileCount,
		Overrides:     overrides,
	}
	log.Infof("map %s (%s) loaded: %d chunks, %d override cells", meta.ID, meta.PlanetName, len(view.ChunkIds), overrides.Len())
	return e, nil
}
