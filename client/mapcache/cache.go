package mapcache

import (
	"sync"

	"planet/api/client/viewport"
	"planet/api/log"
	"planet/api/tools"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCapacity = 16

// Entry 一张加载过的地图：覆盖 tile + 元数据 + 可选的相机起点
type Entry struct {
	MapID         string
	Name          string
	PlanetSize    int
	PlanetSurface string
	ChunkSize     int
	TileCount     int
	Overrides     *viewport.Overrides
	CameraStart   *viewport.CameraStart
}

// Session 交给 viewport.Engine 的加载数据，共享同一份 Overrides
func (e *Entry) Session() *viewport.Session {
	s := &viewport.Session{
		MapID:       e.MapID,
		Name:        e.Name,
		PlanetSize:  e.PlanetSize,
		BaseSurface: e.PlanetSurface,
		Overrides:   e.Overrides,
	}
	if e.CameraStart != nil {
		cs := *e.CameraStart
		s.CameraStart = &cs
	}
	return s
}

func (e *Entry) matches(key string) bool {
	return tools.SameName(e.MapID, key) || (e.Name != "" && tools.SameName(e.Name, key))
}

// Cache 多地图 LRU 缓存，按 id 存，名字做二级索引。
// 淘汰回调在容量淘汰、Remove、Clear 时都会触发。
type Cache struct {
	mu        sync.Mutex
	entries   *lru.Cache[string, *Entry]
	names     map[string]string // NameKey(name) -> id
	overrides map[string]viewport.CameraStart
	onEvict   func(id string, e *Entry)
	hook      func(key string, cs *viewport.CameraStart)
}

// New capacity <= 0 时用 DefaultCapacity
func New(capacity int, onEvict func(id string, e *Entry)) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		names:     map[string]string{},
		overrides: map[string]viewport.CameraStart{},
		onEvict:   onEvict,
	}
	entries, err := lru.NewWithEvict[string, *Entry](capacity, c.evicted)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// evicted 由 lru 回调，调用方已持有 c.mu
func (c *Cache) evicted(id string, e *Entry) {
	for name, target := range c.names {
		if target == id {
			delete(c.names, name)
		}
	}
	log.Debugf("map cache evicted %s", id)
	if c.onEvict != nil {
		c.onEvict(id, e)
	}
}

// OnOverride 相机覆盖变化时回调，用来让当前地图立即生效
func (c *Cache) OnOverride(fn func(key string, cs *viewport.CameraStart)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

func (c *Cache) Get(id string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(id)
}

// GetByName 名字忽略大小写和首尾空白
func (c *Cache) GetByName(name string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.names[tools.NameKey(name)]
	if !ok {
		return nil, false
	}
	return c.entries.Get(id)
}

// Put 之前记下的相机覆盖（按 id 或名字）会带到新条目上
func (c *Cache) Put(id string, e *Entry) {
	if e == nil || id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e.MapID = id
	if cs, ok := c.overrideFor(e); ok {
		e.CameraStart = &cs
	}
	c.entries.Add(id, e)
	if e.Name != "" {
		c.names[tools.NameKey(e.Name)] = id
	}
}

// Session 在缓存锁内生成 Session，和 SetCameraOverride 并发调用也安全
func (c *Cache) Session(e *Entry) *viewport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.Session()
}

func (c *Cache) overrideFor(e *Entry) (viewport.CameraStart, bool) {
	if cs, ok := c.overrides[tools.NameKey(e.MapID)]; ok {
		return cs, true
	}
	if e.Name != "" {
		if cs, ok := c.overrides[tools.NameKey(e.Name)]; ok {
			return cs, true
		}
	}
	return viewport.CameraStart{}, false
}

func (c *Cache) AliasNameToID(name, id string) {
	if tools.NameKey(name) == "" || id == "" {
		return
	}
	c.mu.Lock()
	c.names[tools.NameKey(name)] = id
	c.mu.Unlock()
}

func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(id)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.names = map[string]string{}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// SetCameraOverride key 可以是 id 或名字；对所有匹配的条目生效，尚未缓存的地图也会记住
func (c *Cache) SetCameraOverride(key string, pos [2]float64, zoom float64) {
	if tools.NameKey(key) == "" {
		return
	}
	cs := viewport.CameraStart{X: pos[0], Y: pos[1], Zoom: zoom}
	c.mu.Lock()
	c.overrides[tools.NameKey(key)] = cs
	for _, e := range c.matching(key) {
		v := cs
		e.CameraStart = &v
	}
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(key, &cs)
	}
}

func (c *Cache) ClearCameraOverride(key string) {
	if tools.NameKey(key) == "" {
		return
	}
	c.mu.Lock()
	k := tools.NameKey(key)
	delete(c.overrides, k)
	for _, e := range c.matching(key) {
		e.CameraStart = nil
		// 别名方向上记下的也一起清掉
		delete(c.overrides, tools.NameKey(e.MapID))
		if e.Name != "" {
			delete(c.overrides, tools.NameKey(e.Name))
		}
	}
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(key, nil)
	}
}

// CameraOverride 先看记下的覆盖，再看缓存条目
func (c *Cache) CameraOverride(key string) (viewport.CameraStart, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.overrides[tools.NameKey(key)]; ok {
		return cs, true
	}
	for _, e := range c.matching(key) {
		if e.CameraStart != nil {
			return *e.CameraStart, true
		}
	}
	return viewport.CameraStart{}, false
}

// matching id、名字、名字别名三个方向匹配 key 的条目；不影响 LRU 顺序
func (c *Cache) matching(key string) []*Entry {
	var out []*Entry
	aliased := c.names[tools.NameKey(key)]
	for _, id := range c.entries.Keys() {
		e, ok := c.entries.Peek(id)
		if !ok {
			continue
		}
		if e.matches(key) || id == aliased {
			out = append(out, e)
		}
	}
	return out
}
