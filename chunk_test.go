package worldsync

import (
	"testing"

	"golang.org/x/exp/maps"

	"github.com/go-playground/assert/v2"
)

func TestChunkIdPacking(t *testing.T) {
	for _, cell := range [][2]int32{
		{0, 0},
		{1, -1},
		{-1, 1},
		{123456, -654321},
		{-2147483648, 2147483647},
	} {
		chunkId := NewChunkId(cell[0], cell[1])
		assert.Equal(t, chunkId.CellX(), cell[0])
		assert.Equal(t, chunkId.CellY(), cell[1])
	}
}

func TestChunkIdAtDeterministic(t *testing.T) {
	p := Point{X: 720, Y: -1}
	assert.Equal(t, ChunkIdAt(p, 500), ChunkIdAt(p, 500))
	assert.Equal(t, ChunkIdAt(p, 500), NewChunkId(1, -1))

	// boundary points belong to the cell they start
	assert.Equal(t, ChunkIdAt(Point{X: 500, Y: 0}, 500), NewChunkId(1, 0))
	assert.Equal(t, ChunkIdAt(Point{X: 499.999, Y: 0}, 500), NewChunkId(0, 0))
	assert.Equal(t, ChunkIdAt(Point{X: -0.001, Y: -0.001}, 500), NewChunkId(-1, -1))
}

func TestViewportChunksBasic(t *testing.T) {
	// {0,0,1000,1000} with chunk size 500 maps to exactly the four cells
	chunkIds := ViewportChunks(&Rect{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000}, 500)

	expected := map[ChunkId]bool{
		NewChunkId(0, 0): true,
		NewChunkId(1, 0): true,
		NewChunkId(0, 1): true,
		NewChunkId(1, 1): true,
	}
	assert.Equal(t, chunkIds, expected)
}

func TestViewportChunksPartialOverlap(t *testing.T) {
	// any partial overlap pulls the cell in
	chunkIds := ViewportChunks(&Rect{MinX: 490, MinY: 490, MaxX: 510, MaxY: 510}, 500)
	assert.Equal(t, len(chunkIds), 4)
	assert.Equal(t, chunkIds[NewChunkId(0, 0)], true)
	assert.Equal(t, chunkIds[NewChunkId(1, 1)], true)
}

func TestViewportChunksNegative(t *testing.T) {
	chunkIds := ViewportChunks(&Rect{MinX: -250, MinY: -250, MaxX: 250, MaxY: 250}, 500)
	expected := map[ChunkId]bool{
		NewChunkId(-1, -1): true,
		NewChunkId(0, -1):  true,
		NewChunkId(-1, 0):  true,
		NewChunkId(0, 0):   true,
	}
	assert.Equal(t, chunkIds, expected)
}

func TestViewportChunksDegenerate(t *testing.T) {
	assert.Equal(t, len(ViewportChunks(nil, 500)), 0)
	assert.Equal(t, len(ViewportChunks(&Rect{MinX: 10, MinY: 10, MaxX: 10, MaxY: 10}, 500)), 0)
	assert.Equal(t, len(ViewportChunks(&Rect{MinX: 10, MinY: 10, MaxX: 0, MaxY: 20}, 500)), 0)
	assert.Equal(t, len(ViewportChunks(&Rect{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}, 0)), 0)
}

func TestViewportChunksOrderIndependent(t *testing.T) {
	// the result is a set. two viewports covering the same cells are equal
	// no matter how the rect edges fall within the cells.
	a := ViewportChunks(&Rect{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000}, 500)
	b := ViewportChunks(&Rect{MinX: 40, MinY: 40, MaxX: 960, MaxY: 960}, 500)
	assert.Equal(t, a, b)

	aKeys := maps.Keys(a)
	for _, chunkId := range aKeys {
		assert.Equal(t, b[chunkId], true)
	}
}
