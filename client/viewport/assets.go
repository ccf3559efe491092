package viewport

import (
	"strings"

	"planet/api/log"
)

// Asset / Object 由渲染层解释，这里只做透传
type (
	Asset  any
	Object any
	Handle any
)

type AssetResolver interface {
	ResolveTile(ref string) (Asset, bool)
	ResolveObject(ref string) (Object, bool)
}

type resolved[T any] struct {
	v  T
	ok bool
}

// AssetCache 每个引用只解析一次，失败结果也缓存（只打一次 warning）。
// 名字不区分大小写。归属于一个 Engine，换图时 Clear。
type AssetCache struct {
	resolver AssetResolver
	tiles    map[string]resolved[Asset]
	objects  map[string]resolved[Object]
}

func NewAssetCache(r AssetResolver) *AssetCache {
	c := &AssetCache{resolver: r}
	c.Clear()
	return c
}

func (c *AssetCache) Tile(ref string) (Asset, bool) {
	if ref == "" || c.resolver == nil {
		return nil, false
	}
	key := strings.ToLower(ref)
	if r, ok := c.tiles[key]; ok {
		return r.v, r.ok
	}
	a, ok := c.resolver.ResolveTile(ref)
	if !ok {
		log.Warnf("Unable to load tile asset at '%s'.", ref)
	}
	c.tiles[key] = resolved[Asset]{v: a, ok: ok}
	return a, ok
}

func (c *AssetCache) Object(ref string) (Object, bool) {
	if ref == "" || c.resolver == nil {
		return nil, false
	}
	key := strings.ToLower(ref)
	if r, ok := c.objects[key]; ok {
		return r.v, r.ok
	}
	o, ok := c.resolver.ResolveObject(ref)
	if !ok {
		log.Warnf("Unable to load tile object at '%s'.", ref)
	}
	c.objects[key] = resolved[Object]{v: o, ok: ok}
	return o, ok
}

func (c *AssetCache) Len() int { return len(c.tiles) + len(c.objects) }

func (c *AssetCache) Clear() {
	c.tiles = make(map[string]resolved[Asset])
	c.objects = make(map[string]resolved[Object])
}
