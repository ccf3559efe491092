// Package tile holds the coordinate, chunk and transform model shared by the
// server pipeline and the client streaming engine.
package tile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultChunkSize = 32
	MaxChunkSize     = 1024
)

var (
	ErrInvalidChunkSize = errors.New("tile: chunk size must be between 1 and 1024")
	ErrInvalidChunkID   = errors.New("tile: invalid chunk id")
)

// Cell identifies one grid cell.
type Cell struct {
	X, Y int
}

func (c Cell) String() string { return fmt.Sprintf("(%d,%d)", c.X, c.Y) }

// ChunkCoord is the chunk grid position of a cell.
type ChunkCoord struct {
	CX, CY int
}

// ID returns the "{cx}_{cy}" document id of the chunk.
func (c ChunkCoord) ID() string {
	return strconv.Itoa(c.CX) + "_" + strconv.Itoa(c.CY)
}

// Origin returns the first cell covered by the chunk.
func (c ChunkCoord) Origin(chunkSize int) Cell {
	return Cell{X: c.CX * chunkSize, Y: c.CY * chunkSize}
}

func ValidChunkSize(chunkSize int) bool {
	return chunkSize >= 1 && chunkSize <= MaxChunkSize
}

// ChunkCoordOf maps a cell to its chunk using floor division on both axes.
func ChunkCoordOf(c Cell, chunkSize int) (ChunkCoord, error) {
	if !ValidChunkSize(chunkSize) {
		return ChunkCoord{}, ErrInvalidChunkSize
	}
	return ChunkCoord{CX: floorDiv(c.X, chunkSize), CY: floorDiv(c.Y, chunkSize)}, nil
}

func ChunkID(c ChunkCoord) string { return c.ID() }

// ChunkIDOf is ChunkCoordOf followed by ChunkID.
func ChunkIDOf(c Cell, chunkSize int) (string, error) {
	coord, err := ChunkCoordOf(c, chunkSize)
	if err != nil {
		return "", err
	}
	return coord.ID(), nil
}

// ParseChunkID is the inverse of ChunkID.
func ParseChunkID(id string) (ChunkCoord, error) {
	sep := strings.IndexByte(id, '_')
	if sep <= 0 || sep == len(id)-1 {
		return ChunkCoord{}, fmt.Errorf("%w: %q", ErrInvalidChunkID, id)
	}
	cx, err := strconv.Atoi(id[:sep])
	if err != nil {
		return ChunkCoord{}, fmt.Errorf("%w: %q", ErrInvalidChunkID, id)
	}
	cy, err := strconv.Atoi(id[sep+1:])
	if err != nil {
		return ChunkCoord{}, fmt.Errorf("%w: %q", ErrInvalidChunkID, id)
	}
	return ChunkCoord{CX: cx, CY: cy}, nil
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
