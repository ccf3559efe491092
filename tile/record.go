package tile

import (
	"path"
	"strings"

	"planet/api/tools"
)

type Layer string

const (
	LayerSurface Layer = "Surface"
	LayerOverlay Layer = "Overlay"
)

// ParseLayer is case-insensitive; blank and unknown values fall back to Overlay.
func ParseLayer(s string) Layer {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, string(LayerSurface)) {
		return LayerSurface
	}
	return LayerOverlay
}

// Record is one stored tile.
type Record struct {
	Cell      Cell
	Layer     Layer
	TileRef   *string
	ObjectRef *string
	Transform *Matrix
}

// IsEmpty reports whether the record carries nothing renderable.
func (r Record) IsEmpty() bool {
	return tools.Blank(r.TileRef) && tools.Blank(r.ObjectRef) && (r.Transform == nil || r.Transform.IsIdentity())
}

// NormalizeResourcePath turns an asset path into a resource key:
// forward slashes, no "Assets/Resources/" prefix, no leading slash, no extension.
func NormalizeResourcePath(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, `\`, "/")
	const prefix = "assets/resources/"
	if len(p) >= len(prefix) && strings.EqualFold(p[:len(prefix)], prefix) {
		p = p[len(prefix):]
	}
	p = strings.TrimLeft(p, "/")
	if ext := path.Ext(p); ext != "" {
		p = strings.TrimSuffix(p, ext)
	}
	return p
}
