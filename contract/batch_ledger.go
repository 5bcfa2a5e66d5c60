package contract

import (
	"encoding/json"
	"fmt"

	"provtrace/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var batchLogger = flogging.MustGetLogger("provtrace.batchledger")

const batchSequenceName = "batch"

// Component addresses under which the internal services identify themselves
// for privileged inter-component calls. Bootstrap registers them; admins can
// re-point the registered addresses, after which mismatched callers are
// rejected.
const (
	batchLedgerAgentID  = "provtrace:batch-ledger"
	orchestratorAgentID = "provtrace:orchestrator"
)

// Config keys for the cross-component wiring.
const (
	orchestratorConfigKey = "orchestrator"
	batchLedgerConfigKey  = "batchLedger"
)

// BatchLedger issues and updates the soulbound batch records and their
// structured lifecycle state. Mutations go through the validation gateway;
// on a committed batch mutation the ledger invokes the orchestrator callback
// captured at submission time, and a callback failure aborts the entire
// resolution.
type BatchLedger struct {
	Ctx contractapi.TransactionContextInterface
	acl *AccessRegistry
	gw  *ValidationGateway
}

func NewBatchLedger(ctx contractapi.TransactionContextInterface) *BatchLedger {
	return &BatchLedger{Ctx: ctx, acl: NewAccessRegistry(ctx), gw: NewValidationGateway(ctx)}
}

func (bl *BatchLedger) createBatchKey(batchID uint64) (string, error) {
	return bl.Ctx.GetStub().CreateCompositeKey(batchObjectType, []string{padID(batchID)})
}

// TotalIssued returns how many batches have been minted.
func (bl *BatchLedger) TotalIssued() (uint64, error) {
	return counterValue(bl.Ctx, batchSequenceName)
}

// ensureBatchSchemaCompliance initialises nil slices so stored records always
// carry empty arrays instead of null.
func ensureBatchSchemaCompliance(batch *model.Batch) {
	if batch == nil {
		return
	}
	if batch.DistributorIDs == nil {
		batch.DistributorIDs = []uint64{}
	}
	if batch.RetailerIDs == nil {
		batch.RetailerIDs = []uint64{}
	}
}

// CreateBatch starts a validation request for a new batch referencing
// supplierID. The agent is the internal component asking on behalf of
// requestedBy and must hold the AuthorizedService capability. The batch
// payload is zero-initialised: state Harvested, uncertified.
func (bl *BatchLedger) CreateBatch(agent string, supplierID uint64, metadataHash string, callback model.CallbackKind, requestedBy string) (uint64, error) {
	if err := bl.acl.RequireService(agent); err != nil {
		return 0, err
	}
	if err := validateRequiredString(metadataHash, "metadataHash", maxStringInputLength); err != nil {
		return 0, err
	}

	batch := model.Batch{
		ObjectType:     batchObjectType,
		State:          model.StateHarvested,
		Certified:      false,
		SupplierID:     supplierID,
		DistributorIDs: []uint64{},
		RetailerIDs:    []uint64{},
		MetadataHash:   metadataHash,
	}
	requestID, err := bl.gw.Submit(&model.PendingValidation{
		Kind:         model.RequestBatch,
		Op:           model.OpCreate,
		MetadataHash: metadataHash,
		RequestedBy:  requestedBy,
		Callback:     callback,
		Batch:        &batch,
	})
	if err != nil {
		return 0, fmt.Errorf("CreateBatch: %w", err)
	}
	batchLogger.Infof("Creation of batch for supplier %d submitted as request %d by '%s' (agent '%s').",
		supplierID, requestID, requestedBy, agent)
	return requestID, nil
}

// UpdateBatch starts a validation request carrying the full replacement
// struct for an issued batch. The structured state is replaced wholesale at
// resolution, never partially mutated.
func (bl *BatchLedger) UpdateBatch(agent string, replacement *model.Batch, metadataHash string, callback model.CallbackKind, requestedBy string) (uint64, error) {
	if err := bl.acl.RequireService(agent); err != nil {
		return 0, err
	}
	if replacement == nil {
		return 0, fmt.Errorf("UpdateBatch: replacement batch cannot be nil")
	}
	if err := validateRequiredString(metadataHash, "metadataHash", maxStringInputLength); err != nil {
		return 0, err
	}
	if !model.ValidBatchStates[replacement.State] {
		return 0, fmt.Errorf("%w: '%s'", ErrInvalidBatchState, replacement.State)
	}
	total, err := bl.TotalIssued()
	if err != nil {
		return 0, err
	}
	if replacement.ID >= total {
		return 0, fmt.Errorf("%w: batch %d", ErrUnknownToken, replacement.ID)
	}

	ensureBatchSchemaCompliance(replacement)
	replacement.MetadataHash = metadataHash
	requestID, err := bl.gw.Submit(&model.PendingValidation{
		Kind:         model.RequestBatch,
		Op:           model.OpUpdate,
		MetadataHash: metadataHash,
		RequestedBy:  requestedBy,
		Callback:     callback,
		Batch:        replacement,
	})
	if err != nil {
		return 0, fmt.Errorf("UpdateBatch: %w", err)
	}
	batchLogger.Infof("Update of batch %d to state '%s' submitted as request %d by '%s' (agent '%s').",
		replacement.ID, replacement.State, requestID, requestedBy, agent)
	return requestID, nil
}

// resolveSuccess applies a verifier-accepted batch mutation and then invokes
// the orchestrator callback captured at submission. Any error out of the
// callback propagates and aborts the whole resolving transaction, so the
// entity store and the per-actor indices never diverge.
func (bl *BatchLedger) resolveSuccess(pending *model.PendingValidation) error {
	if pending.Batch == nil {
		return fmt.Errorf("resolveSuccess: pending batch request %d carries no payload", pending.RequestID)
	}
	now, err := getCurrentTxTimestamp(bl.Ctx)
	if err != nil {
		return err
	}

	switch pending.Op {
	case model.OpCreate:
		batchID, err := nextSequence(bl.Ctx, batchSequenceName)
		if err != nil {
			return fmt.Errorf("resolveSuccess: failed to mint batch id: %w", err)
		}
		batch := pending.Batch
		batch.ID = batchID
		batch.Certified = true
		batch.RegisteredBy = pending.RequestedBy
		batch.CreatedAt = now
		batch.LastUpdatedAt = now
		ensureBatchSchemaCompliance(batch)
		if err := bl.putBatch(batch); err != nil {
			return err
		}

		emitEvent(bl.Ctx, "BatchCreated", map[string]interface{}{
			"requestId": pending.RequestID, "batchId": batchID, "supplierId": batch.SupplierID,
			"metadataHash": batch.MetadataHash, "registeredBy": batch.RegisteredBy,
		})
		batchLogger.Infof("Minted batch %d for supplier %d (request %d).", batchID, batch.SupplierID, pending.RequestID)
		return bl.dispatchCallback(pending.Callback, batch)

	case model.OpUpdate:
		existing, err := bl.getBatch(pending.Batch.ID)
		if err != nil {
			return fmt.Errorf("resolveSuccess: %w", err)
		}
		batch := pending.Batch
		// Issuance metadata survives the wholesale replacement.
		batch.ObjectType = batchObjectType
		batch.RegisteredBy = existing.RegisteredBy
		batch.CreatedAt = existing.CreatedAt
		batch.LastUpdatedAt = now
		ensureBatchSchemaCompliance(batch)
		if err := bl.putBatch(batch); err != nil {
			return err
		}

		emitEvent(bl.Ctx, "BatchStatusUpdated", map[string]interface{}{
			"requestId": pending.RequestID, "batchId": batch.ID, "state": string(batch.State),
			"metadataHash": batch.MetadataHash,
		})
		batchLogger.Infof("Updated batch %d to state '%s' (request %d).", batch.ID, batch.State, pending.RequestID)
		return bl.dispatchCallback(pending.Callback, batch)

	default:
		return fmt.Errorf("resolveSuccess: unknown pending op '%s'", pending.Op)
	}
}

// resolveFailure records a verifier rejection or infrastructure error for a
// batch request. No id is consumed and no state changes.
func (bl *BatchLedger) resolveFailure(pending *model.PendingValidation, response, errPayload string) {
	payload := map[string]interface{}{
		"requestId": pending.RequestID, "op": string(pending.Op),
		"metadataHash": pending.MetadataHash, "response": response, "error": errPayload,
	}
	if pending.Batch != nil {
		payload["batchId"] = pending.Batch.ID
		payload["supplierId"] = pending.Batch.SupplierID
	}
	emitEvent(bl.Ctx, "DataCertificationFailed", payload)
	batchLogger.Infof("Certification of batch request %d failed (response '%s', error '%s'). No mutation applied.",
		pending.RequestID, response, errPayload)
}

// dispatchCallback runs the continuation the orchestrator supplied at
// submission time, handing over the record written in this transaction:
// GetState does not observe the transaction's own uncommitted writes, so the
// callback must never go back to state for it. The ledger identifies itself
// by its component address; the orchestrator rejects any other agent.
func (bl *BatchLedger) dispatchCallback(callback model.CallbackKind, batch *model.Batch) error {
	if callback == model.CallbackNone {
		return nil
	}
	registered, err := getConfig(bl.Ctx, orchestratorConfigKey)
	if err != nil {
		return err
	}
	if registered != orchestratorAgentID {
		return fmt.Errorf("dispatchCallback: registered orchestrator address '%s' is not serviceable", registered)
	}

	orch := NewOrchestrator(bl.Ctx)
	switch callback {
	case model.CallbackBatchCreated:
		return orch.OnBatchCreated(batchLedgerAgentID, batch)
	case model.CallbackBatchUpdated:
		return orch.OnBatchUpdated(batchLedgerAgentID, batch)
	default:
		return fmt.Errorf("dispatchCallback: unknown callback kind '%s'", callback)
	}
}

// SetBatch overwrites an issued batch directly, bypassing validation. Gated
// on the AuthorizedService capability of the transactor; intended for
// administrative corrections, including recovery of requests whose verifier
// response never arrived.
func (bl *BatchLedger) SetBatch(batchID uint64, replacement *model.Batch) error {
	caller, err := getCallerID(bl.Ctx)
	if err != nil {
		return fmt.Errorf("SetBatch: failed to get caller identity: %w", err)
	}
	if err := bl.acl.RequireService(caller); err != nil {
		return err
	}
	if replacement == nil {
		return fmt.Errorf("SetBatch: replacement batch cannot be nil")
	}
	if !model.ValidBatchStates[replacement.State] {
		return fmt.Errorf("%w: '%s'", ErrInvalidBatchState, replacement.State)
	}
	existing, err := bl.getBatch(batchID)
	if err != nil {
		return err
	}
	now, err := getCurrentTxTimestamp(bl.Ctx)
	if err != nil {
		return err
	}

	replacement.ObjectType = batchObjectType
	replacement.ID = batchID
	replacement.RegisteredBy = existing.RegisteredBy
	replacement.CreatedAt = existing.CreatedAt
	replacement.LastUpdatedAt = now
	ensureBatchSchemaCompliance(replacement)
	if err := bl.putBatch(replacement); err != nil {
		return err
	}

	emitEvent(bl.Ctx, "BatchStatusUpdated", map[string]interface{}{
		"batchId": batchID, "state": string(replacement.State), "metadataHash": replacement.MetadataHash,
		"override": true, "overriddenBy": caller,
	})
	batchLogger.Infof("Batch %d overwritten directly by '%s' (state '%s').", batchID, caller, replacement.State)
	return nil
}

func (bl *BatchLedger) putBatch(batch *model.Batch) error {
	batchBytes, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch %d: %w", batch.ID, err)
	}
	key, err := bl.createBatchKey(batch.ID)
	if err != nil {
		return fmt.Errorf("failed to create batch key for %d: %w", batch.ID, err)
	}
	if err := bl.Ctx.GetStub().PutState(key, batchBytes); err != nil {
		return fmt.Errorf("failed to save batch %d: %w", batch.ID, err)
	}
	return nil
}

// getBatch reads an issued batch. Reading an id that was never created is a
// not-found error, not a zero-valued default.
func (bl *BatchLedger) getBatch(batchID uint64) (*model.Batch, error) {
	key, err := bl.createBatchKey(batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch key for %d: %w", batchID, err)
	}
	batchBytes, err := bl.Ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading batch %d: %w", batchID, err)
	}
	if batchBytes == nil {
		return nil, fmt.Errorf("%w: batch %d", ErrUnknownToken, batchID)
	}
	var batch model.Batch
	if err := json.Unmarshal(batchBytes, &batch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch %d: %w", batchID, err)
	}
	ensureBatchSchemaCompliance(&batch)
	return &batch, nil
}

// SupplierOf returns the supplier actor id a batch was registered against.
func (bl *BatchLedger) SupplierOf(batchID uint64) (uint64, error) {
	batch, err := bl.getBatch(batchID)
	if err != nil {
		return 0, err
	}
	return batch.SupplierID, nil
}

// ActorsOf returns the structured view over the actors responsible for each
// completed stage of a batch.
func (bl *BatchLedger) ActorsOf(batchID uint64) (*model.BatchActors, error) {
	batch, err := bl.getBatch(batchID)
	if err != nil {
		return nil, err
	}
	return &model.BatchActors{
		State:            batch.State,
		ProcessorID:      batch.ProcessorID,
		ManufacturerID:   batch.ManufacturerID,
		DistributorCount: batch.DistributorCount,
		RetailerCount:    batch.RetailerCount,
		DistributorIDs:   batch.DistributorIDs,
		RetailerIDs:      batch.RetailerIDs,
	}, nil
}

// URI returns the metadata hash of an issued batch.
func (bl *BatchLedger) URI(batchID uint64) (string, error) {
	batch, err := bl.getBatch(batchID)
	if err != nil {
		return "", err
	}
	return batch.MetadataHash, nil
}

// URIPage returns min(pageSize, total-cursor) batch metadata hashes in id
// order starting at cursor, under the same bounds as the identity registry.
func (bl *BatchLedger) URIPage(cursor, pageSize uint64) ([]string, error) {
	if pageSize > maxPageSize {
		return nil, fmt.Errorf("%w: pageSize %d exceeds maximum %d", ErrOutOfBounds, pageSize, maxPageSize)
	}
	total, err := bl.TotalIssued()
	if err != nil {
		return nil, err
	}
	if cursor >= total {
		return nil, fmt.Errorf("%w: cursor %d not below total issued count %d", ErrOutOfBounds, cursor, total)
	}

	count := total - cursor
	if pageSize < count {
		count = pageSize
	}
	hashes := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		batch, err := bl.getBatch(cursor + i)
		if err != nil {
			return nil, fmt.Errorf("URIPage: %w", err)
		}
		hashes = append(hashes, batch.MetadataHash)
	}
	return hashes, nil
}

// Transfer unconditionally rejects ownership changes on batch records.
func (bl *BatchLedger) Transfer(batchID uint64, newOwner string) error {
	return fmt.Errorf("%w: batch %d", ErrSoulboundTransfer, batchID)
}

// SetOrchestratorAddress registers where the ledger dispatches its
// post-commit callbacks. Admin-or-above.
func (bl *BatchLedger) SetOrchestratorAddress(address string) error {
	caller, err := getCallerID(bl.Ctx)
	if err != nil {
		return fmt.Errorf("SetOrchestratorAddress: failed to get caller identity: %w", err)
	}
	if err := bl.acl.Authorize(caller, model.RoleAdmin); err != nil {
		return err
	}
	if err := validateRequiredString(address, "address", maxStringInputLength); err != nil {
		return err
	}
	if err := putConfig(bl.Ctx, orchestratorConfigKey, address); err != nil {
		return fmt.Errorf("SetOrchestratorAddress: %w", err)
	}
	batchLogger.Infof("Orchestrator address set to '%s' by '%s'.", address, caller)
	return nil
}

// SetBatchLedgerAddress registers which agent the orchestrator accepts
// callbacks from. Admin-or-above.
func (bl *BatchLedger) SetBatchLedgerAddress(address string) error {
	caller, err := getCallerID(bl.Ctx)
	if err != nil {
		return fmt.Errorf("SetBatchLedgerAddress: failed to get caller identity: %w", err)
	}
	if err := bl.acl.Authorize(caller, model.RoleAdmin); err != nil {
		return err
	}
	if err := validateRequiredString(address, "address", maxStringInputLength); err != nil {
		return err
	}
	if err := putConfig(bl.Ctx, batchLedgerConfigKey, address); err != nil {
		return fmt.Errorf("SetBatchLedgerAddress: %w", err)
	}
	batchLogger.Infof("Batch ledger address set to '%s' by '%s'.", address, caller)
	return nil
}
