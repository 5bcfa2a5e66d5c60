package model

import "time"

// RequestKind discriminates which registry owns a pending validation request.
type RequestKind string

const (
	RequestActor RequestKind = "actor"
	RequestBatch RequestKind = "batch"
)

// RequestOp discriminates creation from update.
type RequestOp string

const (
	OpCreate RequestOp = "create"
	OpUpdate RequestOp = "update"
)

// CallbackKind names the orchestrator continuation to run once a batch
// mutation commits. Captured at submission time, dispatched at resolution.
type CallbackKind string

const (
	CallbackNone         CallbackKind = ""
	CallbackBatchCreated CallbackKind = "batch_created"
	CallbackBatchUpdated CallbackKind = "batch_updated"
)

// PendingValidation correlates a submitted mutation with its eventual verifier
// response. Created exactly once per submission, consumed exactly once at
// resolution. No expiry: an unanswered request stays on the ledger.
type PendingValidation struct {
	ObjectType   string       `json:"objectType"` // "PendingValidation"
	RequestID    uint64       `json:"requestId"`
	Kind         RequestKind  `json:"kind"`
	Op           RequestOp    `json:"op"`
	MetadataHash string       `json:"metadataHash"`
	RequestedBy  string       `json:"requestedBy"`
	SubmittedAt  time.Time    `json:"submittedAt"`
	Callback     CallbackKind `json:"callback"`

	// Actor payload (Kind == RequestActor).
	ActorType ActorType `json:"actorType"`
	Account   string    `json:"account"`
	ActorID   uint64    `json:"actorId"`

	// Batch payload (Kind == RequestBatch).
	Batch *Batch `json:"batch,omitempty"`
}
