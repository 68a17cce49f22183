package worldsync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// worldsync keeps a local, incrementally updated copy of the subset of the
// authoritative world state that is currently of interest to this client.
// The interest region is the player's moving viewport. The viewport is mapped
// to a set of fixed-size chunks, each (entity type, chunk) pair is backed by
// at most one live subscription, and inbound insert/update/delete events are
// applied to per-type replica stores. On disconnect everything is torn down
// so a reconnect starts from a clean slate.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// world units
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (self Point) DistanceSquared(b Point) float64 {
	dx := self.X - b.X
	dy := self.Y - b.Y
	return dx*dx + dy*dy
}

// axis-aligned viewport rectangle in world units
// a nil `*Rect` means no active interest region
type Rect struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

func RectAround(center Point, halfWidth float64, halfHeight float64) *Rect {
	return &Rect{
		MinX: center.X - halfWidth,
		MinY: center.Y - halfHeight,
		MaxX: center.X + halfWidth,
		MaxY: center.Y + halfHeight,
	}
}

// zero or negative area
func (self *Rect) Empty() bool {
	return self.MaxX <= self.MinX || self.MaxY <= self.MinY
}

func (self *Rect) Expand(margin float64) *Rect {
	return &Rect{
		MinX: self.MinX - margin,
		MinY: self.MinY - margin,
		MaxX: self.MaxX + margin,
		MaxY: self.MaxY + margin,
	}
}

func (self *Rect) Center() Point {
	return Point{
		X: (self.MinX + self.MaxX) / 2,
		Y: (self.MinY + self.MaxY) / 2,
	}
}

func (self *Rect) String() string {
	if self == nil {
		return "none"
	}
	return fmt.Sprintf("[%.1f,%.1f %.1f,%.1f]", self.MinX, self.MinY, self.MaxX, self.MaxY)
}
