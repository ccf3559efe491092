package viewport

import (
	"fmt"
	"math"

	"planet/api/tile"
)

// Window 当前可渲染的 cell 范围，半开区间 [Min, Max)
type Window struct {
	Min tile.Cell
	Max tile.Cell
}

func (w Window) Empty() bool { return w.Max.X <= w.Min.X || w.Max.Y <= w.Min.Y }

func (w Window) Width() int  { return max(0, w.Max.X-w.Min.X) }
func (w Window) Height() int { return max(0, w.Max.Y-w.Min.Y) }

func (w Window) Contains(c tile.Cell) bool {
	return c.X >= w.Min.X && c.X < w.Max.X && c.Y >= w.Min.Y && c.Y < w.Max.Y
}

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d)x[%d,%d)", w.Min.X, w.Max.X, w.Min.Y, w.Max.Y)
}

// Camera 正交相机。Zoom 是半高（世界单位），半宽 = Zoom * Aspect
type Camera struct {
	X, Y         float64
	Zoom         float64
	Aspect       float64
	Orthographic bool
	Rotated      bool
}

func (c Camera) aspect() float64 {
	if c.Aspect <= 0 || math.IsNaN(c.Aspect) {
		return 1
	}
	return c.Aspect
}

// CameraStart 地图首次显示时的一次性相机位置
type CameraStart struct {
	X, Y float64
	Zoom float64
}

// ComputeVisibleBounds 相机视野换算成 cell 范围，每边再扩 padding 格；mapSize > 0 时夹到 [0, mapSize]
func ComputeVisibleBounds(cam Camera, tileSize float64, padding, mapSize int) Window {
	if tileSize <= 0 {
		tileSize = 1
	}
	halfH := cam.Zoom
	halfW := halfH * cam.aspect()

	minX := int(math.Floor((cam.X-halfW)/tileSize)) - padding
	maxX := int(math.Ceil((cam.X+halfW)/tileSize)) + padding
	minY := int(math.Floor((cam.Y-halfH)/tileSize)) - padding
	maxY := int(math.Ceil((cam.Y+halfH)/tileSize)) + padding

	if mapSize > 0 {
		minX = clampInt(minX, 0, mapSize)
		minY = clampInt(minY, 0, mapSize)
		maxX = clampInt(maxX, 0, mapSize)
		maxY = clampInt(maxY, 0, mapSize)
	}
	maxX = max(maxX, minX)
	maxY = max(maxY, minY)
	return Window{Min: tile.Cell{X: minX, Y: minY}, Max: tile.Cell{X: maxX, Y: maxY}}
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
