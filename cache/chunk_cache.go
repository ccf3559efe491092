package mycache

import (
	"strconv"
	"time"

	"planet/api/model"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

const (
	defaultChunkMaxCost = 64 << 20
	defaultChunkTTL     = 10 * time.Minute
	// 粗略估计一个 TileRow 在内存里的字节数
	tileRowCost = 96
)

// ChunkCache 已拼好的 chunk tile 列表，key 带 rev，写入后旧 key 自然失效
type ChunkCache struct {
	cache *ristretto.Cache[string, []model.TileRow]
	ttl   time.Duration
	sf    singleflight.Group
}

func NewChunkCache(maxCost int64, ttl time.Duration) (*ChunkCache, error) {
	if maxCost <= 0 {
		maxCost = defaultChunkMaxCost
	}
	if ttl <= 0 {
		ttl = defaultChunkTTL
	}
	cache, err := ristretto.NewCache[string, []model.TileRow](&ristretto.Config[string, []model.TileRow]{
		NumCounters: 100000,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ChunkCache{cache: cache, ttl: ttl}, nil
}

func chunkCacheKey(mapID, chunkID string, rev int64) string {
	return mapID + "|" + chunkID + "|" + strconv.FormatInt(rev, 10)
}

// Get ok 表示命中
func (c *ChunkCache) Get(mapID, chunkID string, rev int64) ([]model.TileRow, bool) {
	if c == nil {
		return nil, false
	}
	return c.cache.Get(chunkCacheKey(mapID, chunkID, rev))
}

func (c *ChunkCache) Set(mapID, chunkID string, rev int64, tiles []model.TileRow) {
	if c == nil {
		return
	}
	cost := int64(len(tiles)*tileRowCost) + 1
	c.cache.SetWithTTL(chunkCacheKey(mapID, chunkID, rev), tiles, cost, c.ttl)
	c.cache.Wait()
}

// Load 读缓存，未命中时同一个 key 只有一个 fill 在跑
func (c *ChunkCache) Load(mapID, chunkID string, rev int64, fill func() ([]model.TileRow, error)) ([]model.TileRow, bool, error) {
	if c == nil {
		tiles, err := fill()
		return tiles, false, err
	}
	if tiles, ok := c.Get(mapID, chunkID, rev); ok {
		return tiles, true, nil
	}
	key := chunkCacheKey(mapID, chunkID, rev)
	v, err, _ := c.sf.Do(key, func() (any, error) {
		tiles, err := fill()
		if err != nil {
			return nil, err
		}
		c.Set(mapID, chunkID, rev, tiles)
		return tiles, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]model.TileRow), false, nil
}

func (c *ChunkCache) Clear() {
	if c == nil {
		return
	}
	c.cache.Clear()
}

func (c *ChunkCache) Close() {
	if c == nil {
		return
	}
	c.cache.Close()
}
