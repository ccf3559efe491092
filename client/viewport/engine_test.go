package viewport

import (
	"testing"

	"planet/api/tile"

	"github.com/google/go-cmp/cmp"
)

type op struct {
	Kind  string
	Cell  tile.Cell
	Layer tile.Layer
	Ref   string
}

type recorder struct {
	ops []op
}

func (r *recorder) SetTile(cell tile.Cell, layer tile.Layer, asset Asset, _ *tile.Matrix) {
	r.ops = append(r.ops, op{Kind: "set", Cell: cell, Layer: layer, Ref: asset.(string)})
}

func (r *recorder) ClearTile(cell tile.Cell, layer tile.Layer) {
	r.ops = append(r.ops, op{Kind: "clear", Cell: cell, Layer: layer})
}

type spawner struct {
	live map[tile.Cell]string
}

func (s *spawner) Spawn(cell tile.Cell, obj Object) Handle {
	if s.live == nil {
		s.live = map[tile.Cell]string{}
	}
	s.live[cell] = obj.(string)
	return cell
}

func (s *spawner) Despawn(h Handle) { delete(s.live, h.(tile.Cell)) }

type resolver struct {
	known map[string]bool
	calls map[string]int
}

func newResolver(refs ...string) *resolver {
	r := &resolver{known: map[string]bool{}, calls: map[string]int{}}
	for _, ref := range refs {
		r.known[ref] = true
	}
	return r
}

func (r *resolver) ResolveTile(ref string) (Asset, bool) {
	r.calls[ref]++
	return ref, r.known[ref]
}

func (r *resolver) ResolveObject(ref string) (Object, bool) {
	r.calls[ref]++
	return ref, r.known[ref]
}

func str(s string) *string { return &s }

func overridesOf(recs ...tile.Record) *Overrides {
	o := NewOverrides()
	for _, r := range recs {
		o.Apply(r)
	}
	return o
}

func TestComputeVisibleBounds(t *testing.T) {
	cam := Camera{Zoom: 5, Aspect: 1, Orthographic: true}
	got := ComputeVisibleBounds(cam, 1, 2, 0)
	want := Window{Min: tile.Cell{X: -7, Y: -7}, Max: tile.Cell{X: 7, Y: 7}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("window mismatch (-want +got):\n%s", diff)
	}

	got = ComputeVisibleBounds(cam, 1, 2, 10)
	want = Window{Min: tile.Cell{X: 0, Y: 0}, Max: tile.Cell{X: 7, Y: 7}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("clamped window mismatch (-want +got):\n%s", diff)
	}

	wide := Camera{X: 10.5, Y: 0, Zoom: 2, Aspect: 2, Orthographic: true}
	got = ComputeVisibleBounds(wide, 0.5, 0, 0)
	want = Window{Min: tile.Cell{X: 13, Y: -4}, Max: tile.Cell{X: 29, Y: 4}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("scaled window mismatch (-want +got):\n%s", diff)
	}

	outside := ComputeVisibleBounds(Camera{X: -100, Y: -100, Zoom: 3, Aspect: 1, Orthographic: true}, 1, 2, 10)
	if !outside.Empty() {
		t.Fatalf("window fully outside a bounded map should be empty, got %s", outside)
	}
}

func newTestEngine(res *resolver, sp ObjectSpawner) (*Engine, *recorder) {
	rec := &recorder{}
	cam := &Camera{Aspect: 1, Orthographic: true}
	return NewEngine(rec, sp, res, cam, DefaultOptions()), rec
}

func TestSecondRefreshIssuesNoOperations(t *testing.T) {
	e, rec := newTestEngine(newResolver("Grass"), nil)
	e.Load(&Session{MapID: "m1", BaseSurface: "Grass", CameraStart: &CameraStart{Zoom: 4}})

	if got := e.Camera().Zoom; got != 4 {
		t.Fatalf("camera start not applied, zoom=%v", got)
	}
	if len(rec.ops) == 0 {
		t.Fatal("first load should render tiles")
	}

	rec.ops = nil
	if e.Refresh(false) {
		t.Fatal("refresh with unchanged camera should be a no-op")
	}
	if e.Tick() {
		t.Fatal("tick with unchanged camera should be a no-op")
	}
	if len(rec.ops) != 0 {
		t.Fatalf("expected zero surface operations, got %d: %v", len(rec.ops), rec.ops[:min(5, len(rec.ops))])
	}

	e.Camera().X += 0.01
	if e.Tick() {
		t.Fatal("movement below the threshold should not refresh")
	}
	e.Camera().X += 1
	if !e.Tick() {
		t.Fatal("movement above the threshold should refresh")
	}
	if len(rec.ops) == 0 {
		t.Fatal("panning by a full tile should issue operations")
	}
}

func TestActiveCellsMatchResolvedWindow(t *testing.T) {
	res := newResolver("Tiles/Rock", "Tiles/Flower")
	e, _ := newTestEngine(res, nil)
	ov := overridesOf(
		tile.Record{Cell: tile.Cell{X: 0, Y: 0}, Layer: tile.LayerSurface, TileRef: str("Assets/Resources/Tiles/Rock.asset")},
		tile.Record{Cell: tile.Cell{X: 1, Y: 1}, Layer: tile.LayerSurface, TileRef: str("Tiles/Bad")},
		tile.Record{Cell: tile.Cell{X: 2, Y: 2}, Layer: tile.LayerOverlay, TileRef: str("Tiles/Flower")},
		tile.Record{Cell: tile.Cell{X: 20, Y: 20}, Layer: tile.LayerSurface, TileRef: str("Tiles/Rock")},
	)
	e.Load(&Session{MapID: "m1", BaseSurface: "Missing", Overrides: ov, CameraStart: &CameraStart{Zoom: 3}})

	want := Window{Min: tile.Cell{X: -5, Y: -5}, Max: tile.Cell{X: 5, Y: 5}}
	if diff := cmp.Diff(want, e.Window()); diff != "" {
		t.Fatalf("window mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]tile.Cell{{X: 0, Y: 0}}, e.ActiveSurfaceCells()); diff != "" {
		t.Fatalf("surface cells (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]tile.Cell{{X: 2, Y: 2}}, e.ActiveOverlayCells()); diff != "" {
		t.Fatalf("overlay cells (-want +got):\n%s", diff)
	}
	if res.calls["Missing"] != 1 || res.calls["Tiles/Bad"] != 1 {
		t.Fatalf("unresolved refs should be looked up once, calls=%v", res.calls)
	}
}

func TestPanningClearsCellsOutsideWindow(t *testing.T) {
	e, rec := newTestEngine(newResolver("Grass"), nil)
	e.Load(&Session{MapID: "m1", BaseSurface: "Grass", CameraStart: &CameraStart{Zoom: 3}})
	if n := len(e.ActiveSurfaceCells()); n != 100 {
		t.Fatalf("expected 10x10 active cells, got %d", n)
	}

	rec.ops = nil
	e.Camera().X, e.Camera().Y = 100, 100
	if !e.Tick() {
		t.Fatal("expected refresh after moving the camera")
	}
	w := e.Window()
	for _, c := range e.ActiveSurfaceCells() {
		if !w.Contains(c) {
			t.Fatalf("cell %v outside window %s is still active", c, w)
		}
	}
	clears := 0
	for _, o := range rec.ops {
		if o.Kind == "clear" {
			clears++
		}
	}
	if clears != 100 {
		t.Fatalf("expected 100 clears for the old window, got %d", clears)
	}
}

func TestBoundedMapSkipsCellsOutsidePlanet(t *testing.T) {
	e, _ := newTestEngine(newResolver("Grass"), nil)
	e.Load(&Session{MapID: "m1", PlanetSize: 4, BaseSurface: "Grass", CameraStart: &CameraStart{Zoom: 3}})
	cells := e.ActiveSurfaceCells()
	if len(cells) != 16 {
		t.Fatalf("expected 4x4 planet to be fully active, got %d cells", len(cells))
	}
}

func TestPositionCameraFitsOverrides(t *testing.T) {
	e, _ := newTestEngine(newResolver("Rock"), nil)
	ov := overridesOf(
		tile.Record{Cell: tile.Cell{X: 10, Y: 10}, Layer: tile.LayerSurface, TileRef: str("Rock")},
		tile.Record{Cell: tile.Cell{X: 19, Y: 13}, Layer: tile.LayerSurface, TileRef: str("Rock")},
	)
	e.Load(&Session{MapID: "m1", Overrides: ov})

	want := Camera{X: 15, Y: 12, Zoom: 4.72, Aspect: 1, Orthographic: true}
	if diff := cmp.Diff(want, *e.Camera()); diff != "" {
		t.Fatalf("camera (-want +got):\n%s", diff)
	}
	if !e.CameraPositioned() {
		t.Fatal("camera should be marked positioned")
	}

	// 一次性：移动后不会再被拉回
	e.Camera().X = 0
	e.Refresh(true)
	if e.Camera().X != 0 {
		t.Fatal("camera start must only apply once per load")
	}
}

func TestPositionCameraBoundedMap(t *testing.T) {
	e, _ := newTestEngine(newResolver("Grass"), nil)
	e.Load(&Session{MapID: "m1", PlanetSize: 10, BaseSurface: "Grass"})
	cam := e.Camera()
	if cam.X != 5 || cam.Y != 5 || cam.Zoom != 4.72 {
		t.Fatalf("unexpected camera %+v", *cam)
	}
}

func TestApplyCameraOverrideOnActiveMap(t *testing.T) {
	e, _ := newTestEngine(newResolver("Grass"), nil)
	e.Load(&Session{MapID: "m1", Name: "Terra", BaseSurface: "Grass", CameraStart: &CameraStart{Zoom: 3}})

	e.ApplyCameraOverride("other", &CameraStart{X: 50, Y: 50, Zoom: 3})
	if e.Camera().X == 50 {
		t.Fatal("override for another map must not move the camera")
	}
	e.ApplyCameraOverride(" terra ", &CameraStart{X: 50, Y: 40, Zoom: 10})
	cam := e.Camera()
	if cam.X != 50 || cam.Y != 40 || cam.Zoom != 4.72 {
		t.Fatalf("override not applied, camera %+v", *cam)
	}
	if !e.Tick() {
		t.Fatal("tick after override should refresh")
	}
}

func TestInstallAndOverrideApplyOnNextTick(t *testing.T) {
	e, rec := newTestEngine(newResolver("Grass"), nil)
	cs := &CameraStart{X: 8, Y: 6, Zoom: 3}
	e.Install(&Session{MapID: "m1", Name: "Terra", BaseSurface: "Grass", CameraStart: &CameraStart{Zoom: 3}})
	e.QueueCameraOverride("terra", cs)
	cs.X = 99 // 投递时已经拷贝

	if e.Session() != nil || len(rec.ops) != 0 {
		t.Fatal("install must wait for the render loop")
	}
	if !e.Tick() {
		t.Fatal("tick that installs a map should report a change")
	}
	if e.Session() == nil || e.Session().MapID != "m1" {
		t.Fatalf("session not installed: %+v", e.Session())
	}
	if cam := e.Camera(); cam.X != 8 || cam.Y != 6 {
		t.Fatalf("queued override not applied after install, camera %+v", *cam)
	}
	if len(rec.ops) == 0 {
		t.Fatal("installed map should render")
	}
	rec.ops = nil
	if e.Tick() || len(rec.ops) != 0 {
		t.Fatal("empty inbox and still camera should be a no-op")
	}
}

func TestUnsupportedCameraSkipsRefresh(t *testing.T) {
	rec := &recorder{}
	cam := &Camera{Zoom: 3, Aspect: 1, Orthographic: false}
	e := NewEngine(rec, nil, newResolver("Grass"), cam, DefaultOptions())
	e.Load(&Session{MapID: "m1", BaseSurface: "Grass"})
	if len(rec.ops) != 0 {
		t.Fatalf("perspective camera should render nothing, got %d ops", len(rec.ops))
	}

	cam.Orthographic, cam.Rotated = true, true
	if e.Refresh(true) {
		t.Fatal("rotated camera should skip refresh")
	}
}

func TestSetVisibleClearsAndRestores(t *testing.T) {
	sp := &spawner{}
	e, rec := newTestEngine(newResolver("Grass", "Objects/Tree"), sp)
	ov := overridesOf(tile.Record{Cell: tile.Cell{X: 1, Y: 1}, Layer: tile.LayerOverlay, ObjectRef: str("Objects/Tree.prefab")})
	e.Load(&Session{MapID: "m1", BaseSurface: "Grass", Overrides: ov, CameraStart: &CameraStart{Zoom: 3}})
	if len(sp.live) != 1 {
		t.Fatalf("expected one spawned object, got %d", len(sp.live))
	}

	e.SetVisible(false)
	if len(e.ActiveSurfaceCells()) != 0 || len(sp.live) != 0 {
		t.Fatal("hidden engine should clear every tile and object")
	}
	rec.ops = nil
	e.Camera().X += 5
	if e.Tick() || len(rec.ops) != 0 {
		t.Fatal("hidden engine should not refresh")
	}

	e.SetVisible(true)
	if len(e.ActiveSurfaceCells()) == 0 {
		t.Fatal("showing the engine again should re-render")
	}
}

func TestLoadReplacesPreviousMap(t *testing.T) {
	sp := &spawner{}
	e, _ := newTestEngine(newResolver("Grass", "Tree"), sp)
	ov := overridesOf(tile.Record{Cell: tile.Cell{X: 0, Y: 0}, Layer: tile.LayerOverlay, ObjectRef: str("Tree")})
	e.Load(&Session{MapID: "a", BaseSurface: "Grass", Overrides: ov, CameraStart: &CameraStart{Zoom: 3}})
	e.Load(&Session{MapID: "b", CameraStart: &CameraStart{Zoom: 3}})
	if len(e.ActiveSurfaceCells()) != 0 || len(sp.live) != 0 {
		t.Fatal("loading a map without base surface should leave nothing from the previous map")
	}
	e.Reset()
	if e.Session() != nil || e.Refresh(true) {
		t.Fatal("reset engine should have no session")
	}
}

func TestOverridesApply(t *testing.T) {
	o := overridesOf(
		tile.Record{Cell: tile.Cell{X: 1, Y: 2}, Layer: tile.LayerSurface, TileRef: str(`Assets\Resources\Tiles\Sand.png`)},
		tile.Record{Cell: tile.Cell{X: 1, Y: 2}, Layer: tile.LayerOverlay, TileRef: str("Tiles/Flower"), ObjectRef: str("Objects/Rock")},
		tile.Record{Cell: tile.Cell{X: 1, Y: 2}, Layer: tile.LayerSurface},
	)
	got, ok := o.Get(tile.Cell{X: 1, Y: 2})
	if !ok {
		t.Fatal("missing override")
	}
	want := TileVisual{SurfaceRef: "Tiles/Sand", OverlayRef: "Tiles/Flower", ObjectRef: "Objects/Rock"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("override (-want +got):\n%s", diff)
	}
	b, ok := o.Bounds()
	if !ok || b != (Window{Min: tile.Cell{X: 1, Y: 2}, Max: tile.Cell{X: 2, Y: 3}}) {
		t.Fatalf("unexpected bounds %v", b)
	}
}
