package model

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"planet/api/tile"
	"planet/api/tools"
)

const (
	TB_MAPS            = "maps"
	TB_MAP_DATA        = "map_data"
	TB_MAP_CHUNK       = "map_chunks"
	TB_MAP_CHUNK_SLICE = "map_chunk_slices"
	TB_MAP_GENERATION  = "map_generations"

	DefaultPlanetSurface = "MapPallet/Grass/Ocean"
	DefaultPlanetSize    = 100
	MapIDLength          = 15
	MaxPlanetSize        = 10000
)

// BBox 视口范围，单位是 tile（cell），Max 不包含
type BBox struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

// MapMeta maps/{mapId}：展示信息 + 最近一次 final save 的统计
type MapMeta struct {
	ID            string     `gorm:"column:id;primaryKey;size:64" json:"id"`
	PlanetName    string     `gorm:"column:planet_name;size:128;index" json:"PlanetName"`
	PlanetSurface string     `gorm:"column:planet_surface;size:255" json:"PlanetSurface"`
	PlanetSize    int        `gorm:"column:planet_size" json:"PlanetSize"`
	ChunkSize     int        `gorm:"column:chunk_size" json:"chunkSize"`
	TileCount     int        `gorm:"column:tile_count" json:"tileCount"`
	OwnerID       string     `gorm:"column:owner_id;size:64" json:"ownerId,omitempty"`
	CreatedAt     tools.Time `gorm:"column:created_at;autoCreateTime:false" json:"createdAt"`
	UpdatedAt     tools.Time `gorm:"column:updated_at;autoUpdateTime:false" json:"updatedAt"`
}

func (MapMeta) TableName() string {
	return TB_MAPS
}

// MapData MapData/{mapId}：权威 chunk id 集合。Tiles 是分块之前的旧格式，只读
type MapData struct {
	MapID     string     `gorm:"column:map_id;primaryKey;size:64" json:"mapId"`
	ChunkIds  []string   `gorm:"column:chunk_ids;type:longtext;serializer:json" json:"ChunkIds"`
	ChunkSize int        `gorm:"column:chunk_size" json:"ChunkSize"`
	TileCount int        `gorm:"column:tile_count" json:"TileCount"`
	Tiles     []TileRow  `gorm:"column:tiles;type:longtext;serializer:json" json:"Tiles,omitempty"`
	UpdatedAt tools.Time `gorm:"column:updated_at;autoUpdateTime:false" json:"updatedAt"`
}

func (MapData) TableName() string {
	return TB_MAP_DATA
}

// MapChunk 一个 chunk 文档的头；tile 内容按 slice 存在 MapChunkSlice
type MapChunk struct {
	MapID      string     `gorm:"column:map_id;primaryKey;size:64" json:"mapId"`
	ChunkID    string     `gorm:"column:chunk_id;primaryKey;size:48" json:"chunkId"`
	CX         int        `gorm:"column:cx;index:idx_chunk_xy" json:"cx"`
	CY         int        `gorm:"column:cy;index:idx_chunk_xy" json:"cy"`
	ChunkSize  int        `gorm:"column:chunk_size" json:"chunkSize"`
	Generation int64      `gorm:"column:generation" json:"generation"`
	SliceCount int        `gorm:"column:slice_count" json:"sliceCount"`
	TileCount  int        `gorm:"column:tile_count" json:"tileCount"`
	Rev        int64      `gorm:"column:rev" json:"rev"`
	UpdatedAt  tools.Time `gorm:"column:updated_at;autoUpdateTime:false" json:"updatedAt"`
}

func (MapChunk) TableName() string {
	return TB_MAP_CHUNK
}

type MapChunkSlice struct {
	MapID      string    `gorm:"column:map_id;primaryKey;size:64"`
	ChunkID    string    `gorm:"column:chunk_id;primaryKey;size:48"`
	SliceIndex int       `gorm:"column:slice_index;primaryKey;autoIncrement:false"`
	Generation int64     `gorm:"column:generation"`
	Tiles      []TileRow `gorm:"column:tiles;type:longtext;serializer:json"`
	Digest     string    `gorm:"column:digest;size:16"`
}

func (MapChunkSlice) TableName() string {
	return TB_MAP_CHUNK_SLICE
}

// MapGeneration 每个地图的 save generation 序列，由数据库发号，所有实例共用
type MapGeneration struct {
	MapID      string `gorm:"column:map_id;primaryKey;size:64"`
	Generation int64  `gorm:"column:generation"`
}

func (MapGeneration) TableName() string {
	return TB_MAP_GENERATION
}

// TileRow 持久化的 tile 形状，字段名与已存数据保持一致
type TileRow struct {
	X              int       `json:"x"`
	Y              int       `json:"y"`
	TileName       *string   `json:"TileName"`
	TileObjectPath *string   `json:"TileObjectPath"`
	TileLayer      string    `json:"TileLayer"`
	Transform      []float64 `json:"Transform"`
}

func (r TileRow) Record() tile.Record {
	return tile.Record{
		Cell:      tile.Cell{X: r.X, Y: r.Y},
		Layer:     tile.ParseLayer(r.TileLayer),
		TileRef:   r.TileName,
		ObjectRef: r.TileObjectPath,
		Transform: tile.DecodeTransform(r.Transform),
	}
}

func TileRowOf(rec tile.Record) TileRow {
	return TileRow{
		X:              rec.Cell.X,
		Y:              rec.Cell.Y,
		TileName:       rec.TileRef,
		TileObjectPath: rec.ObjectRef,
		TileLayer:      string(rec.Layer),
		Transform:      tile.EncodeTransform(rec.Transform),
	}
}

// ChunkDoc 对外返回的 chunk：slice 已按顺序拼好
type ChunkDoc struct {
	ID        string     `json:"id"`
	CX        int        `json:"cx"`
	CY        int        `json:"cy"`
	ChunkSize int        `json:"chunkSize"`
	Rev       int64      `json:"rev"`
	Tiles     []TileRow  `json:"Tiles"`
	UpdatedAt tools.Time `json:"updatedAt"`
}

// TileInput 客户端提交的 tile，字段类型宽松，由 service 层校验。
// encoding/json 的字段匹配不区分大小写，x/X、tileName/TileName 都能落到这里。
type TileInput struct {
	X              any `json:"x"`
	Y              any `json:"y"`
	TileName       any `json:"TileName"`
	TileObjectPath any `json:"TileObjectPath"`
	TileLayer      any `json:"TileLayer"`
	Transform      any `json:"Transform"`

	malformed bool
}

// UnmarshalJSON 不是对象的条目（数字、字符串、null）不报错，只标记为 malformed，
// 由调用方决定丢弃还是拒绝，避免一个坏条目让整个请求解析失败
func (in *TileInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		*in = TileInput{malformed: true}
		return nil
	}
	type plain TileInput
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*in = TileInput(p)
	return nil
}

// Malformed 原始 JSON 不是对象
func (in TileInput) Malformed() bool { return in.malformed }

type ChunkInput struct {
	ID    string       `json:"id"`
	Tiles *[]TileInput `json:"tiles"`
}

// TileTask 队列里的一个写任务：一个 chunk 的一个 slice
type TileTask struct {
	MapID      string      `json:"mapId"`
	ChunkID    string      `json:"chunkId"`
	ChunkSize  int         `json:"chunkSize"`
	Generation int64       `json:"generation"`
	SliceIndex int         `json:"sliceIndex"`
	SliceCount int         `json:"sliceCount"`
	Tiles      []TileInput `json:"tiles"`
	Tile       *TileInput  `json:"tile,omitempty"`
}

// Entries 兼容单 tile 的旧任务格式
func (t *TileTask) Entries() []TileInput {
	if len(t.Tiles) > 0 || t.Tile == nil {
		return t.Tiles
	}
	return []TileInput{*t.Tile}
}

// NumberOf 把 JSON 数字（float64 / json.Number / 整型）转成 float64
func NumberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// IntOf 只接受整数值的数字
func IntOf(v any) (int, bool) {
	f, ok := NumberOf(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}

// OptString nil 或字符串；其它类型 ok=false
func OptString(v any) (*string, bool) {
	switch s := v.(type) {
	case nil:
		return nil, true
	case string:
		return &s, true
	default:
		return nil, false
	}
}

// LayerOf 空白或非字符串时回落到 def
func LayerOf(v any, def tile.Layer) string {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return string(def)
	}
	return strings.TrimSpace(s)
}

// TransformOf nil 表示不存在；ok=false 表示形状非法
func TransformOf(v any) ([]float64, bool) {
	if v == nil {
		return nil, true
	}
	arr, ok := v.([]any)
	if !ok {
		if fs, ok := v.([]float64); ok {
			return fs, tile.ValidTransform(fs)
		}
		return nil, false
	}
	out := make([]float64, len(arr))
	for i, e := range arr {
		f, ok := NumberOf(e)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, tile.ValidTransform(out)
}

func (in TileInput) String() string {
	x, _ := NumberOf(in.X)
	y, _ := NumberOf(in.Y)
	return "(" + strconv.FormatFloat(x, 'g', -1, 64) + "," + strconv.FormatFloat(y, 'g', -1, 64) + ")"
}
