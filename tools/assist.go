package tools

import "strings"

func StrPtr(v string) *string {
	return &v
}

func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// Blank nil 或者全是空白
func Blank(v *string) bool {
	return v == nil || strings.TrimSpace(*v) == ""
}

// SameName 地图名比较：忽略大小写与首尾空白
func SameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// NameKey SameName 对应的索引 key
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Chunk 按 size 切分，最后一段可能更短；size<=0 时整体返回
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) <= size {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
