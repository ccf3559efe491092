package viewport

import (
	"math"
	"strings"
	"sync"

	"planet/api/log"
	"planet/api/tile"
)

type Surface interface {
	SetTile(cell tile.Cell, layer tile.Layer, asset Asset, transform *tile.Matrix)
	ClearTile(cell tile.Cell, layer tile.Layer)
}

type ObjectSpawner interface {
	Spawn(cell tile.Cell, obj Object) Handle
	Despawn(h Handle)
}

type Options struct {
	TileSize          float64
	Padding           int
	MovementThreshold float64
	MinZoom, MaxZoom  float64
	DefaultZoom       float64
}

func DefaultOptions() Options {
	return Options{
		TileSize:          1,
		Padding:           2,
		MovementThreshold: 0.05,
		MinZoom:           2.93,
		MaxZoom:           4.72,
		DefaultZoom:       4.72,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TileSize <= 0 {
		o.TileSize = d.TileSize
	}
	if o.Padding < 0 {
		o.Padding = 0
	}
	if o.MovementThreshold < 0 {
		o.MovementThreshold = 0
	}
	if o.MinZoom <= 0 {
		o.MinZoom = d.MinZoom
	}
	if o.MaxZoom <= 0 {
		o.MaxZoom = d.MaxZoom
	}
	if o.MaxZoom < o.MinZoom {
		o.MaxZoom = o.MinZoom
	}
	if o.DefaultZoom <= 0 {
		o.DefaultZoom = d.DefaultZoom
	}
	o.DefaultZoom = clampFloat(o.DefaultZoom, o.MinZoom, o.MaxZoom)
	return o
}

// Session 一次加载的地图数据，Engine.Load 安装
type Session struct {
	MapID       string
	Name        string
	PlanetSize  int    // 0 = 无边界
	BaseSurface string // 底图引用
	Overrides   *Overrides
	CameraStart *CameraStart
}

type activeTile struct {
	ref       string
	transform *tile.Matrix
}

type activeObject struct {
	ref    string
	handle Handle
}

// Engine 视口流式渲染。单线程使用：Refresh / Tick 都在渲染循环里调用，不做任何 IO。
// 其它 goroutine 只能通过 Install / QueueCameraOverride 投递，下一次 Tick 时按顺序执行。
type Engine struct {
	surface Surface
	spawner ObjectSpawner
	assets  *AssetCache
	cam     *Camera
	opts    Options

	session *Session
	visible bool

	activeSurface map[tile.Cell]activeTile
	activeOverlay map[tile.Cell]activeTile
	activeObjects map[tile.Cell]activeObject

	window    Window
	hasWindow bool
	lastX     float64
	lastY     float64
	lastZoom  float64
	primed    bool

	cameraPositioned bool
	warnedCamera     bool

	inboxMu sync.Mutex
	inbox   []func()
}

// NewEngine spawner 可以为 nil（不渲染对象）
func NewEngine(surface Surface, spawner ObjectSpawner, resolver AssetResolver, cam *Camera, opts Options) *Engine {
	opts = opts.withDefaults()
	if cam == nil {
		cam = &Camera{Aspect: 1, Orthographic: true}
	}
	if cam.Orthographic {
		if cam.Zoom <= 0 {
			cam.Zoom = opts.DefaultZoom
		}
		cam.Zoom = clampFloat(cam.Zoom, opts.MinZoom, opts.MaxZoom)
	}
	e := &Engine{
		surface: surface,
		spawner: spawner,
		assets:  NewAssetCache(resolver),
		cam:     cam,
		opts:    opts,
		visible: true,
	}
	e.resetActive()
	return e
}

func (e *Engine) Camera() *Camera { return e.cam }
func (e *Engine) Assets() *AssetCache { return e.assets }
func (e *Engine) Session() *Session { return e.session }
func (e *Engine) Window() Window { return e.window }
func (e *Engine) Visible() bool { return e.visible }
func (e *Engine) Options() Options { return e.opts }
func (e *Engine) CameraPositioned() bool { return e.cameraPositioned }

func (e *Engine) resetActive() {
	e.activeSurface = make(map[tile.Cell]activeTile)
	e.activeOverlay = make(map[tile.Cell]activeTile)
	e.activeObjects = make(map[tile.Cell]activeObject)
	e.window, e.hasWindow = Window{}, false
	e.primed = false
}

// Load 安装一张新地图：清空当前显示和资源缓存，相机定位重新生效
func (e *Engine) Load(s *Session) {
	e.clearAll()
	e.assets.Clear()
	if s != nil && s.Overrides == nil {
		s.Overrides = NewOverrides()
	}
	e.session = s
	e.cameraPositioned = false
	if s != nil {
		e.Refresh(true)
	}
}

func (e *Engine) Reset() {
	e.clearAll()
	e.assets.Clear()
	e.session = nil
	e.cameraPositioned = false
}

// SetVisible 隐藏时清空所有渲染并停止刷新，再次显示时强制刷新
func (e *Engine) SetVisible(v bool) {
	if e.visible == v {
		return
	}
	e.visible = v
	if !v {
		e.clearAll()
		return
	}
	e.Refresh(true)
}

// Install 任意 goroutine 可调用，地图在下一次 Tick 时装上
func (e *Engine) Install(s *Session) {
	e.post(func() { e.Load(s) })
}

// QueueCameraOverride 任意 goroutine 可调用，效果同 ApplyCameraOverride，延迟到下一次 Tick
func (e *Engine) QueueCameraOverride(key string, cs *CameraStart) {
	if cs != nil {
		c := *cs
		cs = &c
	}
	e.post(func() { e.ApplyCameraOverride(key, cs) })
}

func (e *Engine) post(fn func()) {
	e.inboxMu.Lock()
	e.inbox = append(e.inbox, fn)
	e.inboxMu.Unlock()
}

// drain 在渲染循环里执行投递过来的操作，返回是否执行了任何操作
func (e *Engine) drain() bool {
	e.inboxMu.Lock()
	ops := e.inbox
	e.inbox = nil
	e.inboxMu.Unlock()
	for _, fn := range ops {
		fn()
	}
	return len(ops) > 0
}

// ApplyCameraOverride key 可以是地图 id 或名字；只影响当前地图，立即移动相机
func (e *Engine) ApplyCameraOverride(key string, cs *CameraStart) {
	s := e.session
	if s == nil || !matchesKey(s, key) {
		return
	}
	if cs == nil {
		s.CameraStart = nil
		return
	}
	c := *cs
	s.CameraStart = &c
	e.placeCamera(c)
	e.cameraPositioned = true
}

func matchesKey(s *Session, key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	return strings.ToLower(strings.TrimSpace(s.MapID)) == k || strings.ToLower(strings.TrimSpace(s.Name)) == k
}

// Tick 每帧调用：先执行投递过来的安装和相机覆盖，相机移动超过阈值或缩放变化时才重新计算窗口
func (e *Engine) Tick() bool {
	changed := e.drain()
	if e.session == nil || !e.visible {
		return changed
	}
	dx, dy := e.cam.X-e.lastX, e.cam.Y-e.lastY
	moved := dx*dx+dy*dy > e.opts.MovementThreshold*e.opts.MovementThreshold
	zoomChanged := e.cam.Orthographic && math.Abs(e.cam.Zoom-e.lastZoom) > 1e-6
	if e.primed && !moved && !zoomChanged {
		return changed
	}
	return e.Refresh(false) || changed
}

// Refresh 窗口没变且不强制时什么都不做；否则对每个 cell/层做最小差异更新，窗口外的全部清掉。
// 返回是否真的重新计算了窗口。
func (e *Engine) Refresh(force bool) bool {
	s := e.session
	if s == nil || !e.visible {
		return false
	}
	if !e.cam.Orthographic || e.cam.Rotated {
		if !e.warnedCamera {
			log.Warn("viewport supports axis-aligned orthographic cameras only, refresh skipped")
			e.warnedCamera = true
		}
		return false
	}
	e.warnedCamera = false

	w := ComputeVisibleBounds(*e.cam, e.opts.TileSize, e.opts.Padding, s.PlanetSize)
	if !force && e.hasWindow && w == e.window {
		e.recordCamera()
		return false
	}

	base := tile.NormalizeResourcePath(s.BaseSurface)
	for y := w.Min.Y; y < w.Max.Y; y++ {
		for x := w.Min.X; x < w.Max.X; x++ {
			if s.PlanetSize > 0 && (x < 0 || y < 0 || x >= s.PlanetSize || y >= s.PlanetSize) {
				continue
			}
			cell := tile.Cell{X: x, Y: y}
			ov, _ := s.Overrides.Get(cell)

			surfaceRef, surfaceTf := "", (*tile.Matrix)(nil)
			if ov.SurfaceRef != "" {
				if _, ok := e.assets.Tile(ov.SurfaceRef); ok {
					surfaceRef, surfaceTf = ov.SurfaceRef, ov.Transform
				}
			}
			if surfaceRef == "" && base != "" {
				if _, ok := e.assets.Tile(base); ok {
					surfaceRef = base
				}
			}
			e.syncTile(e.activeSurface, cell, tile.LayerSurface, surfaceRef, surfaceTf)

			overlayRef := ""
			if ov.OverlayRef != "" {
				if _, ok := e.assets.Tile(ov.OverlayRef); ok {
					overlayRef = ov.OverlayRef
				}
			}
			e.syncTile(e.activeOverlay, cell, tile.LayerOverlay, overlayRef, ov.Transform)
			e.syncObject(cell, ov.ObjectRef)
		}
	}

	// 窗口外的全部清掉
	for cell := range e.activeSurface {
		if !e.inScope(w, cell) {
			e.surface.ClearTile(cell, tile.LayerSurface)
			delete(e.activeSurface, cell)
		}
	}
	for cell := range e.activeOverlay {
		if !e.inScope(w, cell) {
			e.surface.ClearTile(cell, tile.LayerOverlay)
			delete(e.activeOverlay, cell)
		}
	}
	for cell := range e.activeObjects {
		if !e.inScope(w, cell) {
			e.syncObject(cell, "")
		}
	}

	e.window, e.hasWindow = w, true
	e.recordCamera()
	if e.PositionCamera(w) {
		// 相机被移动了，按新位置再算一次
		e.Refresh(false)
	}
	return true
}

func (e *Engine) inScope(w Window, c tile.Cell) bool {
	if !w.Contains(c) {
		return false
	}
	ps := e.session.PlanetSize
	return ps <= 0 || (c.X >= 0 && c.Y >= 0 && c.X < ps && c.Y < ps)
}

func (e *Engine) recordCamera() {
	e.lastX, e.lastY = e.cam.X, e.cam.Y
	e.lastZoom = e.cam.Zoom
	e.primed = true
}

func (e *Engine) syncTile(active map[tile.Cell]activeTile, cell tile.Cell, layer tile.Layer, ref string, tf *tile.Matrix) {
	cur, has := active[cell]
	if ref == "" {
		if has {
			e.surface.ClearTile(cell, layer)
			delete(active, cell)
		}
		return
	}
	if has && strings.EqualFold(cur.ref, ref) && sameTransform(cur.transform, tf) {
		return
	}
	asset, _ := e.assets.Tile(ref)
	e.surface.SetTile(cell, layer, asset, tf)
	active[cell] = activeTile{ref: ref, transform: tf}
}

func (e *Engine) syncObject(cell tile.Cell, ref string) {
	if e.spawner == nil {
		return
	}
	cur, has := e.activeObjects[cell]
	if has && ref != "" && strings.EqualFold(cur.ref, ref) {
		return
	}
	if has {
		e.spawner.Despawn(cur.handle)
		delete(e.activeObjects, cell)
	}
	if ref == "" {
		return
	}
	obj, ok := e.assets.Object(ref)
	if !ok {
		return
	}
	e.activeObjects[cell] = activeObject{ref: ref, handle: e.spawner.Spawn(cell, obj)}
}

func sameTransform(a, b *tile.Matrix) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ApproxEqual(*b)
}

func (e *Engine) clearAll() {
	for cell := range e.activeSurface {
		e.surface.ClearTile(cell, tile.LayerSurface)
	}
	for cell := range e.activeOverlay {
		e.surface.ClearTile(cell, tile.LayerOverlay)
	}
	if e.spawner != nil {
		for _, o := range e.activeObjects {
			e.spawner.Despawn(o.handle)
		}
	}
	e.resetActive()
}

// PositionCamera 每次加载只定位一次：有 CameraStart 用它，否则对准地图范围并缩放到合适大小。
// 返回相机是否被移动。
func (e *Engine) PositionCamera(w Window) bool {
	s := e.session
	if s == nil || e.cameraPositioned {
		return false
	}
	if s.CameraStart != nil {
		e.cameraPositioned = true
		return e.placeCamera(*s.CameraStart)
	}

	cx, cy, width, height, ok := e.mapExtents()
	if !ok {
		if w.Empty() {
			return false
		}
		ts := e.opts.TileSize
		cx = float64(w.Min.X+w.Max.X) * ts * 0.5
		cy = float64(w.Min.Y+w.Max.Y) * ts * 0.5
		width = float64(w.Width()) * ts
		height = float64(w.Height()) * ts
	}
	e.cameraPositioned = true

	before := *e.cam
	e.cam.X, e.cam.Y = cx, cy
	if e.cam.Orthographic {
		aspect := e.cam.aspect()
		halfH := math.Max(height*0.5, e.opts.MinZoom)
		halfW := math.Max(width*0.5, halfH*aspect)
		required := math.Max(halfH, halfW/aspect)
		e.cam.Zoom = clampFloat(required, e.opts.MinZoom, e.opts.MaxZoom)
	}
	return *e.cam != before
}

func (e *Engine) placeCamera(cs CameraStart) bool {
	before := *e.cam
	e.cam.X, e.cam.Y = cs.X, cs.Y
	if cs.Zoom > 0 && e.cam.Orthographic {
		e.cam.Zoom = clampFloat(cs.Zoom, e.opts.MinZoom, e.opts.MaxZoom)
	}
	return *e.cam != before
}

// mapExtents 有边界的地图用整张图，无边界的用覆盖 tile 的包围盒
func (e *Engine) mapExtents() (cx, cy, width, height float64, ok bool) {
	ts := e.opts.TileSize
	if ps := e.session.PlanetSize; ps > 0 {
		size := float64(ps) * ts
		return size * 0.5, size * 0.5, size, size, true
	}
	b, ok := e.session.Overrides.Bounds()
	if !ok {
		return 0, 0, 0, 0, false
	}
	return float64(b.Min.X+b.Max.X) * ts * 0.5, float64(b.Min.Y+b.Max.Y) * ts * 0.5,
		float64(b.Width()) * ts, float64(b.Height()) * ts, true
}

// ActiveSurfaceCells 当前渲染中的 Surface cell，按 (y, x) 排序
func (e *Engine) ActiveSurfaceCells() []tile.Cell { return sortedKeys(e.activeSurface) }

func (e *Engine) ActiveOverlayCells() []tile.Cell { return sortedKeys(e.activeOverlay) }

func (e *Engine) ActiveObjectCount() int { return len(e.activeObjects) }

func sortedKeys[V any](m map[tile.Cell]V) []tile.Cell {
	out := make([]tile.Cell, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sortCells(out)
	return out
}
