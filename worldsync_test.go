package worldsync

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time
	a := NewId()
	for i := 0; i < 1024; i += 1 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b.LessThan(b), false)
		assert.Equal(t, b == a, false)
		assert.Equal(t, b == b, true)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b := NewId()
	test1.B = &b

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, *test1.B, *test2.B)
}

func TestIdParse(t *testing.T) {
	a := NewId()
	b, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)

	_, err = ParseId("not-an-id")
	assert.NotEqual(t, err, nil)
}

func TestRect(t *testing.T) {
	r := &Rect{MinX: 0, MinY: 0, MaxX: 100, MaxY: 50}
	assert.Equal(t, r.Empty(), false)
	assert.Equal(t, r.Center(), Point{X: 50, Y: 25})
	assert.Equal(t, *r.Expand(10), Rect{MinX: -10, MinY: -10, MaxX: 110, MaxY: 60})

	assert.Equal(t, (&Rect{MinX: 1, MinY: 0, MaxX: 1, MaxY: 10}).Empty(), true)
	assert.Equal(t, (&Rect{MinX: 2, MinY: 0, MaxX: 1, MaxY: 10}).Empty(), true)
}

func TestRectAround(t *testing.T) {
	r := RectAround(Point{X: 100, Y: 200}, 50, 25)
	assert.Equal(t, *r, Rect{MinX: 50, MinY: 175, MaxX: 150, MaxY: 225})
}

func TestPointDistanceSquared(t *testing.T) {
	a := Point{X: 0, Y: 0}
	b := Point{X: 3, Y: 4}
	assert.Equal(t, a.DistanceSquared(b), 25.0)
	assert.Equal(t, b.DistanceSquared(a), 25.0)
}
