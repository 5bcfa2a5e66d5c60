package model

import "time"

// BatchState defines the lifecycle states of a production batch.
type BatchState string

const (
	StateHarvested      BatchState = "HARVESTED"       // Batch registered against a supplier
	StateProcessed      BatchState = "PROCESSED"       // Processed by a processor
	StatePackaged       BatchState = "PACKAGED"        // Packaged by a manufacturer
	StateAtDistributors BatchState = "AT_DISTRIBUTORS" // Held by a distributor
	StateAtRetailers    BatchState = "AT_RETAILERS"    // Held by a retailer
	StateToCustomers    BatchState = "TO_CUSTOMERS"    // Sold through to customers
	StateInStorage      BatchState = "IN_STORAGE"      // Parked in storage
	StateInTransit      BatchState = "IN_TRANSIT"      // Moving between parties
	StateInProcessing   BatchState = "IN_PROCESSING"   // Undergoing further processing
)

// ValidBatchStates is the set of states an update payload may carry.
var ValidBatchStates = map[BatchState]bool{
	StateHarvested:      true,
	StateProcessed:      true,
	StatePackaged:       true,
	StateAtDistributors: true,
	StateAtRetailers:    true,
	StateToCustomers:    true,
	StateInStorage:      true,
	StateInTransit:      true,
	StateInProcessing:   true,
}

// Batch is the central record for one production lot. The lifecycle payload is
// replaced wholesale on every successful update; the issuance fields (ID,
// RegisteredBy, CreatedAt) are assigned once and survive updates.
type Batch struct {
	ObjectType        string     `json:"objectType"` // "Batch"
	ID                uint64     `json:"id"`
	State             BatchState `json:"state"`
	Certified         bool       `json:"certified"`
	QualityControlled bool       `json:"qualityControlled"`
	SupplierID        uint64     `json:"supplierId"`
	ProcessorID       uint64     `json:"processorId"`
	ManufacturerID    uint64     `json:"manufacturerId"`
	DistributorIDs    []uint64   `json:"distributorIds"`
	RetailerIDs       []uint64   `json:"retailerIds"`
	DistributorCount  uint64     `json:"distributorCount"`
	RetailerCount     uint64     `json:"retailerCount"`
	MetadataHash      string     `json:"metadataHash"`
	RegisteredBy      string     `json:"registeredBy"`
	CreatedAt         time.Time  `json:"createdAt"`
	LastUpdatedAt     time.Time  `json:"lastUpdatedAt"`
}

// BatchActors is the read view over the actors responsible for a batch.
type BatchActors struct {
	State            BatchState `json:"state"`
	ProcessorID      uint64     `json:"processorId"`
	ManufacturerID   uint64     `json:"manufacturerId"`
	DistributorCount uint64     `json:"distributorCount"`
	RetailerCount    uint64     `json:"retailerCount"`
	DistributorIDs   []uint64   `json:"distributorIds"`
	RetailerIDs      []uint64   `json:"retailerIds"`
}
