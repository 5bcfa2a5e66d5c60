package model

import (
	"fmt"
	"time"
)

// ActorType is one of the six fixed participant categories of the pipeline.
type ActorType int

const (
	ActorSupplier ActorType = iota
	ActorProcessor
	ActorManufacturer
	ActorDistributor
	ActorRetailer
	ActorConsumer

	actorTypeCount = 6
)

var actorTypeNames = [actorTypeCount]string{
	"supplier", "processor", "manufacturer", "distributor", "retailer", "consumer",
}

func (t ActorType) Valid() bool {
	return t >= 0 && t < actorTypeCount
}

func (t ActorType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("actortype(%d)", int(t))
	}
	return actorTypeNames[t]
}

// ActorTypeFromName maps a lowercase type name back to its ActorType.
func ActorTypeFromName(name string) (ActorType, error) {
	for i, n := range actorTypeNames {
		if n == name {
			return ActorType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown actor type '%s'", name)
}

// ActorRecord is the soulbound identity of one participant. Owner is fixed at
// mint and never changes.
type ActorRecord struct {
	ObjectType    string    `json:"objectType"` // "Actor"
	Type          ActorType `json:"type"`
	ID            uint64    `json:"id"`
	Owner         string    `json:"owner"`
	MetadataHash  string    `json:"metadataHash"`
	RegisteredBy  string    `json:"registeredBy"`
	RegisteredAt  time.Time `json:"registeredAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}
