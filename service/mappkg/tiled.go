package mappkg

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"planet/api/tile"
)

/* ---------- Tiled 结构（只放 tmj 需要的字段，命名与 tmj 一致） ---------- */

type TiledMap struct {
	Infinite    bool           `json:"infinite"`
	Orientation string         `json:"orientation"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	TileWidth   int            `json:"tilewidth"`
	TileHeight  int            `json:"tileheight"`
	Layers      []TiledLayer   `json:"layers"`
	Tilesets    []TiledTileset `json:"tilesets"`
	Properties  []TiledProp    `json:"properties,omitempty"`
}

type TiledLayer struct {
	ID      int           `json:"id"`
	Name    string        `json:"name"`
	Type    string        `json:"type"` // tilelayer | objectgroup | imagelayer | group
	Visible bool          `json:"visible"`
	Width   int           `json:"width"`
	Height  int           `json:"height"`
	Data    []uint32      `json:"data"`
	Chunks  []TiledChunk  `json:"chunks"` // infinite 地图
	Objects []TiledObject `json:"objects"`
	Layers  []TiledLayer  `json:"layers"` // group
}

type TiledChunk struct {
	X      int      `json:"x"`
	Y      int      `json:"y"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Data   []uint32 `json:"data"`
}

type TiledObject struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Gid      uint32  `json:"gid,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Rotation float64 `json:"rotation"`
	Visible  bool    `json:"visible"`
}

type TiledTileset struct {
	FirstGid uint32      `json:"firstgid"`
	Name     string      `json:"name"`
	Source   string      `json:"source,omitempty"` // 外部 tsx，不解析
	Image    string      `json:"image,omitempty"`
	Tiles    []TiledTile `json:"tiles,omitempty"`
}

type TiledTile struct {
	ID    uint32 `json:"id"`
	Image string `json:"image,omitempty"`
}

type TiledProp struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

const (
	flipH    = 0x80000000
	flipV    = 0x40000000
	flipD    = 0x20000000
	rotHex   = 0x10000000
	gidFlags = flipH | flipV | flipD | rotHex
)

func DecodeTMJ(r io.Reader) (*TiledMap, error) {
	var tm TiledMap
	if err := json.NewDecoder(r).Decode(&tm); err != nil {
		return nil, fmt.Errorf("decode tmj: %w", err)
	}
	if tm.Orientation != "" && tm.Orientation != "orthogonal" {
		return nil, fmt.Errorf("unsupported orientation %q", tm.Orientation)
	}
	return &tm, nil
}

// ImportOptions tmj → tile record 的换算
type ImportOptions struct {
	// SurfaceLayers 这些名字（忽略大小写）的 tilelayer 落到 Surface 层，默认 "Surface"
	SurfaceLayers []string
	// FlipY Tiled 的行号向下增长；为 true 时换成 y 向上
	FlipY bool
	// OriginX/OriginY 整体偏移
	OriginX, OriginY int
}

// Records 展开所有可见 tilelayer 与带 gid 的对象。同一 cell 同一层后出现的覆盖先出现的。
func (tm *TiledMap) Records(opts ImportOptions) []tile.Record {
	if len(opts.SurfaceLayers) == 0 {
		opts.SurfaceLayers = []string{string(tile.LayerSurface)}
	}
	refs := tm.tileRefs()
	type key struct {
		c tile.Cell
		l tile.Layer
	}
	index := map[key]int{}
	var out []tile.Record
	put := func(r tile.Record) {
		k := key{r.Cell, r.Layer}
		if i, ok := index[k]; ok {
			// overlay 上的对象和 tile 合并到同一条记录
			if r.TileRef == nil {
				r.TileRef = out[i].TileRef
			}
			if r.ObjectRef == nil {
				r.ObjectRef = out[i].ObjectRef
			}
			out[i] = r
			return
		}
		index[k] = len(out)
		out = append(out, r)
	}

	var walk func(layers []TiledLayer)
	walk = func(layers []TiledLayer) {
		for _, l := range layers {
			if !l.Visible {
				continue
			}
			switch l.Type {
			case "group":
				walk(l.Layers)
			case "tilelayer":
				layer := tile.LayerOverlay
				for _, n := range opts.SurfaceLayers {
					if strings.EqualFold(strings.TrimSpace(l.Name), n) {
						layer = tile.LayerSurface
					}
				}
				emit := func(data []uint32, ox, oy, w int) {
					for i, raw := range data {
						gid := raw &^ gidFlags
						if gid == 0 || w <= 0 {
							continue
						}
						ref, ok := refs(gid)
						if !ok {
							continue
						}
						cell := tm.cell(ox+i%w, oy+i/w, opts)
						put(tile.Record{Cell: cell, Layer: layer, TileRef: &ref, Transform: flipTransform(raw)})
					}
				}
				if len(l.Chunks) > 0 {
					for _, ch := range l.Chunks {
						emit(ch.Data, ch.X, ch.Y, ch.Width)
					}
				} else {
					emit(l.Data, 0, 0, l.Width)
				}
			case "objectgroup":
				if tm.TileWidth <= 0 || tm.TileHeight <= 0 {
					continue
				}
				for _, o := range l.Objects {
					gid := o.Gid &^ gidFlags
					if gid == 0 || !o.Visible {
						continue
					}
					ref, ok := refs(gid)
					if !ok {
						continue
					}
					// tile 对象的锚点在左下角
					col := int(math.Floor(o.X / float64(tm.TileWidth)))
					row := int(math.Floor(o.Y/float64(tm.TileHeight))) - 1
					rec := tile.Record{Cell: tm.cell(col, row, opts), Layer: tile.LayerOverlay, ObjectRef: &ref}
					if o.Rotation != 0 {
						m := tile.RotationZ(-o.Rotation)
						rec.Transform = &m
					}
					put(rec)
				}
			}
		}
	}
	walk(tm.Layers)
	return out
}

func (tm *TiledMap) cell(col, row int, opts ImportOptions) tile.Cell {
	y := row
	if opts.FlipY {
		y = tm.Height - 1 - row
	}
	return tile.Cell{X: col + opts.OriginX, Y: y + opts.OriginY}
}

// tileRefs gid → 资源路径。有单独图片的 tile 用图片路径，否则 "tileset名/本地id"
func (tm *TiledMap) tileRefs() func(gid uint32) (string, bool) {
	return func(gid uint32) (string, bool) {
		var ts *TiledTileset
		for i := range tm.Tilesets {
			if tm.Tilesets[i].FirstGid <= gid && (ts == nil || tm.Tilesets[i].FirstGid > ts.FirstGid) {
				ts = &tm.Tilesets[i]
			}
		}
		if ts == nil {
			return "", false
		}
		local := gid - ts.FirstGid
		for _, t := range ts.Tiles {
			if t.ID == local && t.Image != "" {
				return tile.NormalizeResourcePath(t.Image), true
			}
		}
		name := ts.Name
		if name == "" {
			name = "tileset_" + strconv.FormatUint(uint64(ts.FirstGid), 10)
		}
		return name + "/" + strconv.FormatUint(uint64(local), 10), true
	}
}

// flipTransform Tiled 先做对角翻转，再水平、垂直
func flipTransform(raw uint32) *tile.Matrix {
	if raw&(flipH|flipV|flipD) == 0 {
		return nil
	}
	m := tile.Identity
	if raw&flipD != 0 {
		m = tile.Matrix{
			0, 1, 0, 0,
			1, 0, 0, 0,
			0, 0, 1, 0,
			0, 0, 0, 1,
		}
	}
	if raw&flipH != 0 {
		m = tile.Scale(-1, 1, 1).Mul(m)
	}
	if raw&flipV != 0 {
		m = tile.Scale(1, -1, 1).Mul(m)
	}
	if m.IsIdentity() {
		return nil
	}
	return &m
}
