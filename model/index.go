package model

// StageRole keys the per-actor batch indices, one per lifecycle stage.
type StageRole string

const (
	StageHarvested   StageRole = "harvested"
	StageProcessed   StageRole = "processed"
	StagePackaged    StageRole = "packaged"
	StageDistributed StageRole = "distributed"
	StageRetailed    StageRole = "retailed"
)

// ValidStageRoles is the set of index keys queryable via BatchesOf.
var ValidStageRoles = map[StageRole]bool{
	StageHarvested:   true,
	StageProcessed:   true,
	StagePackaged:    true,
	StageDistributed: true,
	StageRetailed:    true,
}

// BatchIndex is the append-only set of batch ids associated with one actor for
// one stage, kept in insertion order. Entries are never removed.
type BatchIndex struct {
	ObjectType string    `json:"objectType"` // "BatchIndex"
	Stage      StageRole `json:"stage"`
	ActorID    uint64    `json:"actorId"`
	BatchIDs   []uint64  `json:"batchIds"`
}
