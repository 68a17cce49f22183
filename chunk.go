package worldsync

import (
	"fmt"
	"math"
)

// world space is partitioned into fixed-size square cells ("chunks")
// subscriptions are issued at chunk granularity

// comparable
// packs the signed cell coordinates into one value so a chunk can key a map
type ChunkId uint64

func NewChunkId(cellX int32, cellY int32) ChunkId {
	return ChunkId(uint64(uint32(cellX))<<32 | uint64(uint32(cellY)))
}

func (self ChunkId) CellX() int32 {
	return int32(uint32(self >> 32))
}

func (self ChunkId) CellY() int32 {
	return int32(uint32(self))
}

func (self ChunkId) String() string {
	return fmt.Sprintf("c(%d,%d)", self.CellX(), self.CellY())
}

// the same point always maps to the same chunk for a given chunk size
func ChunkIdAt(p Point, chunkSize float64) ChunkId {
	cellX := int32(math.Floor(p.X / chunkSize))
	cellY := int32(math.Floor(p.Y / chunkSize))
	return NewChunkId(cellX, cellY)
}

// the set of chunks whose cell intersects the viewport, including partial
// overlap. cells are half-open [min, max) so a viewport edge exactly on a
// cell boundary does not pull in the next cell.
// a nil or degenerate viewport yields the empty set.
func ViewportChunks(viewport *Rect, chunkSize float64) map[ChunkId]bool {
	chunkIds := map[ChunkId]bool{}
	if viewport == nil || viewport.Empty() || chunkSize <= 0 {
		return chunkIds
	}

	cellMinX := int32(math.Floor(viewport.MinX / chunkSize))
	cellMinY := int32(math.Floor(viewport.MinY / chunkSize))
	cellMaxX := int32(math.Ceil(viewport.MaxX/chunkSize)) - 1
	cellMaxY := int32(math.Ceil(viewport.MaxY/chunkSize)) - 1

	for cellX := cellMinX; cellX <= cellMaxX; cellX += 1 {
		for cellY := cellMinY; cellY <= cellMaxY; cellY += 1 {
			chunkIds[NewChunkId(cellX, cellY)] = true
		}
	}
	return chunkIds
}
