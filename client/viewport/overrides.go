package viewport

import (
	"sort"

	"planet/api/tile"
)

// TileVisual 一个 cell 上存下来的覆盖信息，优先于底图
type TileVisual struct {
	SurfaceRef string
	OverlayRef string
	ObjectRef  string
	Transform  *tile.Matrix
}

// Overrides cell -> TileVisual，回放 tile 记录得到
type Overrides struct {
	cells map[tile.Cell]*TileVisual
}

func NewOverrides() *Overrides {
	return &Overrides{cells: make(map[tile.Cell]*TileVisual)}
}

// Apply 回放一条记录：Surface 层只改 SurfaceRef；Overlay 层改 OverlayRef，ObjectRef 以最后一条为准
func (o *Overrides) Apply(rec tile.Record) {
	data, ok := o.cells[rec.Cell]
	if !ok {
		data = &TileVisual{}
		o.cells[rec.Cell] = data
	}
	ref := ""
	if rec.TileRef != nil {
		ref = tile.NormalizeResourcePath(*rec.TileRef)
	}
	if rec.Layer == tile.LayerSurface {
		if ref != "" {
			data.SurfaceRef = ref
		}
	} else {
		if ref != "" {
			data.OverlayRef = ref
		}
		data.ObjectRef = ""
		if rec.ObjectRef != nil {
			data.ObjectRef = tile.NormalizeResourcePath(*rec.ObjectRef)
		}
	}
	if rec.Transform != nil {
		m := *rec.Transform
		data.Transform = &m
	}
}

func (o *Overrides) Get(c tile.Cell) (TileVisual, bool) {
	if o == nil {
		return TileVisual{}, false
	}
	v, ok := o.cells[c]
	if !ok {
		return TileVisual{}, false
	}
	return *v, true
}

func (o *Overrides) Len() int {
	if o == nil {
		return 0
	}
	return len(o.cells)
}

// Bounds 所有覆盖 cell 的包围盒（半开）；没有 cell 时 ok=false
func (o *Overrides) Bounds() (Window, bool) {
	if o.Len() == 0 {
		return Window{}, false
	}
	first := true
	var w Window
	for c := range o.cells {
		if first {
			w = Window{Min: c, Max: tile.Cell{X: c.X + 1, Y: c.Y + 1}}
			first = false
			continue
		}
		w.Min.X = min(w.Min.X, c.X)
		w.Min.Y = min(w.Min.Y, c.Y)
		w.Max.X = max(w.Max.X, c.X+1)
		w.Max.Y = max(w.Max.Y, c.Y+1)
	}
	return w, true
}

// Cells 排好序的 cell 列表，测试和导出用
func (o *Overrides) Cells() []tile.Cell {
	if o == nil {
		return nil
	}
	out := make([]tile.Cell, 0, len(o.cells))
	for c := range o.cells {
		out = append(out, c)
	}
	sortCells(out)
	return out
}

func sortCells(cells []tile.Cell) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Y != cells[j].Y {
			return cells[i].Y < cells[j].Y
		}
		return cells[i].X < cells[j].X
	})
}
