package worldsync

import (
	"fmt"
)

// the closed set of replicated entity kinds
// spatial kinds are subscribed per chunk, global kinds once per connection
type EntityType int

const (
	EntityTypePlayer EntityType = iota
	EntityTypeNpc
	EntityTypeGroundItem
	EntityTypeWorldProfile
	EntityTypeCatalogItem
)

func EntityTypes() []EntityType {
	return []EntityType{
		EntityTypePlayer,
		EntityTypeNpc,
		EntityTypeGroundItem,
		EntityTypeWorldProfile,
		EntityTypeCatalogItem,
	}
}

func SpatialEntityTypes() []EntityType {
	spatialEntityTypes := []EntityType{}
	for _, entityType := range EntityTypes() {
		if entityType.Spatial() {
			spatialEntityTypes = append(spatialEntityTypes, entityType)
		}
	}
	return spatialEntityTypes
}

func (self EntityType) Spatial() bool {
	switch self {
	case EntityTypePlayer, EntityTypeNpc, EntityTypeGroundItem:
		return true
	default:
		return false
	}
}

func (self EntityType) String() string {
	switch self {
	case EntityTypePlayer:
		return "player"
	case EntityTypeNpc:
		return "npc"
	case EntityTypeGroundItem:
		return "ground_item"
	case EntityTypeWorldProfile:
		return "world_profile"
	case EntityTypeCatalogItem:
		return "catalog_item"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

func ParseEntityType(entityTypeStr string) (EntityType, error) {
	for _, entityType := range EntityTypes() {
		if entityType.String() == entityTypeStr {
			return entityType, nil
		}
	}
	return EntityType(-1), fmt.Errorf("unknown entity type %s", entityTypeStr)
}

type Entity interface {
	EntityId() Id
	Type() EntityType
}

type Player struct {
	PlayerId          Id     `json:"player_id"`
	Name              string `json:"name"`
	Position          Point  `json:"position"`
	Facing            string `json:"facing"`
	Health            int    `json:"health"`
	MaxHealth         int    `json:"max_health"`
	InventoryRevision uint64 `json:"inventory_revision"`
	Mining            bool   `json:"mining"`
}

func (self *Player) EntityId() Id {
	return self.PlayerId
}

func (self *Player) Type() EntityType {
	return EntityTypePlayer
}

type Npc struct {
	NpcId    Id     `json:"npc_id"`
	Kind     string `json:"kind"`
	Position Point  `json:"position"`
	Facing   string `json:"facing"`
	Health   int    `json:"health"`
	Hostile  bool   `json:"hostile"`
}

func (self *Npc) EntityId() Id {
	return self.NpcId
}

func (self *Npc) Type() EntityType {
	return EntityTypeNpc
}

type GroundItem struct {
	GroundItemId Id     `json:"ground_item_id"`
	Slug         string `json:"slug"`
	Position     Point  `json:"position"`
	Quantity     int    `json:"quantity"`
}

func (self *GroundItem) EntityId() Id {
	return self.GroundItemId
}

func (self *GroundItem) Type() EntityType {
	return EntityTypeGroundItem
}

// global per-world settings row
type WorldProfile struct {
	WorldProfileId Id      `json:"world_profile_id"`
	Name           string  `json:"name"`
	Width          float64 `json:"width"`
	Height         float64 `json:"height"`
	DayLengthTicks int     `json:"day_length_ticks"`
}

func (self *WorldProfile) EntityId() Id {
	return self.WorldProfileId
}

func (self *WorldProfile) Type() EntityType {
	return EntityTypeWorldProfile
}

// global item definition row
type CatalogItem struct {
	CatalogItemId  Id     `json:"catalog_item_id"`
	Slug           string `json:"slug"`
	Stackable      bool   `json:"stackable"`
	MaxStack       int    `json:"max_stack"`
	FungibilityKey string `json:"fungibility_key"`
}

func (self *CatalogItem) EntityId() Id {
	return self.CatalogItemId
}

func (self *CatalogItem) Type() EntityType {
	return EntityTypeCatalogItem
}
