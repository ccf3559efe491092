package model

// MapView GET /maps/:mapId 的返回：元数据 + chunk id 列表；旧格式地图带 LegacyTiles
type MapView struct {
	Meta        *MapMeta  `json:"meta"`
	ChunkIds    []string  `json:"chunkIds"`
	ChunkSize   int       `json:"chunkSize"`
	TileCount   int       `json:"tileCount"`
	LegacyTiles []TileRow `json:"legacyTiles,omitempty"`
}

// SaveRequest 保存入口的请求体
type SaveRequest struct {
	MapID               string       `json:"mapId"`
	PlanetName          string       `json:"planetName"`
	PlanetSurface       string       `json:"planetSurface"`
	PlanetSize          float64      `json:"planetSize"`
	ChunkSize           *int         `json:"chunkSize,omitempty"`
	TileCount           int          `json:"tileCount"`
	Chunks              []ChunkInput `json:"chunks"`
	DeleteMissingChunks *bool        `json:"deleteMissingChunks,omitempty"`
	// ChunkIds 出现即表示这是最后一次调用
	ChunkIds *[]string `json:"chunkIds,omitempty"`
}

type SaveResult struct {
	Success           bool     `json:"success"`
	MapID             string   `json:"mapId"`
	TasksCreated      int      `json:"tasksCreated"`
	TilesScheduled    int      `json:"tilesScheduled"`
	ProcessedChunkIds []string `json:"processedChunkIds"`
	FinalBatch        bool     `json:"finalBatch"`
	Queue             string   `json:"queue"`
	DeletedChunks     int      `json:"deletedChunks,omitempty"`
}

// ChunksRequest POST /maps/:mapId/chunks
type ChunksRequest struct {
	IDs []string `json:"ids"`
}

type ChunksResponse struct {
	Chunks  []*ChunkDoc `json:"chunks"`
	Missing []string    `json:"missing,omitempty"`
}

// Input 持久化形状转回请求形状，nil 字段保持 null
func (r TileRow) Input() TileInput {
	in := TileInput{X: r.X, Y: r.Y, TileLayer: r.TileLayer}
	if r.TileName != nil {
		in.TileName = *r.TileName
	}
	if r.TileObjectPath != nil {
		in.TileObjectPath = *r.TileObjectPath
	}
	if r.Transform != nil {
		in.Transform = r.Transform
	}
	return in
}

// CreateMapRequest POST /auth/maps
type CreateMapRequest struct {
	PlanetName    string `json:"planetName"`
	PlanetSurface string `json:"planetSurface"`
	PlanetSize    int    `json:"planetSize"`
	ChunkSize     int    `json:"chunkSize"`
}

// ViewportRequest POST /maps/:mapId/viewport；Known 是客户端已有的 chunk rev
type ViewportRequest struct {
	BBox   BBox             `json:"bbox"`
	Margin int              `json:"margin"`
	Known  map[string]int64 `json:"known,omitempty"`
}
