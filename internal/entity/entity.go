// Package entity holds the persistent records served through the entity
// caches. Values are plain data; identity lives in the cache key.
package entity

import "time"

// Kinds name the record families in the backing store.
const (
	KindUser      = "user"
	KindCharacter = "character"
	KindHorse     = "horse"
	KindRanch     = "ranch"
)

// User is keyed by its unique login name.
type User struct {
	Name         string    `json:"name"`
	UID          uint32    `json:"uid"`
	Carrots      int64     `json:"carrots"`
	CharacterUID uint32    `json:"character_uid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Character struct {
	UID      uint32 `json:"uid"`
	Name     string `json:"name"`
	Level    uint16 `json:"level"`
	MountUID uint32 `json:"mount_uid,omitempty"`
}

type Horse struct {
	UID     uint32 `json:"uid"`
	Name    string `json:"name"`
	Tid     uint32 `json:"tid"`
	Stamina uint16 `json:"stamina"`
	Speed   uint16 `json:"speed"`
}

type Ranch struct {
	UID       uint32   `json:"uid"`
	Name      string   `json:"name"`
	OwnerUID  uint32   `json:"owner_uid"`
	HorseUIDs []uint32 `json:"horse_uids,omitempty"`
}
