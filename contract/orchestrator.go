package contract

import (
	"encoding/json"
	"fmt"

	"provtrace/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var orchLogger = flogging.MustGetLogger("provtrace.orchestrator")

// Orchestrator is the workflow facade end users interact with. It forwards
// batch mutations to the ledger under its own component address and maintains
// the per-actor, per-stage batch indices through the post-commit callbacks the
// ledger invokes.
type Orchestrator struct {
	Ctx    contractapi.TransactionContextInterface
	acl    *AccessRegistry
	ids    *IdentityRegistry
	ledger *BatchLedger
}

func NewOrchestrator(ctx contractapi.TransactionContextInterface) *Orchestrator {
	return &Orchestrator{
		Ctx:    ctx,
		acl:    NewAccessRegistry(ctx),
		ids:    NewIdentityRegistry(ctx),
		ledger: NewBatchLedger(ctx),
	}
}

func (o *Orchestrator) createIndexKey(stage model.StageRole, actorID uint64) (string, error) {
	return o.Ctx.GetStub().CreateCompositeKey(indexObjectType, []string{string(stage), padID(actorID)})
}

// AddHarvestedBatch registers a new batch against an issued supplier on behalf
// of the calling company user. Returns the validation request id; the batch
// itself is only minted once the verifier accepts.
func (o *Orchestrator) AddHarvestedBatch(supplierID uint64, metadataHash string) (uint64, error) {
	caller, err := getCallerID(o.Ctx)
	if err != nil {
		return 0, fmt.Errorf("AddHarvestedBatch: failed to get caller identity: %w", err)
	}
	if err := o.acl.Authorize(caller, model.RoleCompanyUser); err != nil {
		return 0, err
	}
	totalSuppliers, err := o.ids.TotalIssued(model.ActorSupplier)
	if err != nil {
		return 0, err
	}
	if supplierID >= totalSuppliers {
		return 0, fmt.Errorf("%w: %s %d", ErrUnknownToken, model.ActorSupplier, supplierID)
	}

	requestID, err := o.ledger.CreateBatch(orchestratorAgentID, supplierID, metadataHash, model.CallbackBatchCreated, caller)
	if err != nil {
		return 0, fmt.Errorf("AddHarvestedBatch: %w", err)
	}
	orchLogger.Infof("Harvested batch for supplier %d submitted as request %d by '%s'.", supplierID, requestID, caller)
	return requestID, nil
}

// UpdateBatchState forwards a full lifecycle replacement for an issued batch
// on behalf of the calling company user.
func (o *Orchestrator) UpdateBatchState(replacement *model.Batch, metadataHash string) (uint64, error) {
	caller, err := getCallerID(o.Ctx)
	if err != nil {
		return 0, fmt.Errorf("UpdateBatchState: failed to get caller identity: %w", err)
	}
	if err := o.acl.Authorize(caller, model.RoleCompanyUser); err != nil {
		return 0, err
	}

	requestID, err := o.ledger.UpdateBatch(orchestratorAgentID, replacement, metadataHash, model.CallbackBatchUpdated, caller)
	if err != nil {
		return 0, fmt.Errorf("UpdateBatchState: %w", err)
	}
	orchLogger.Infof("Batch %d state update submitted as request %d by '%s'.", replacement.ID, requestID, caller)
	return requestID, nil
}

// requireLedgerAgent rejects callbacks from anything but the registered batch
// ledger address.
func (o *Orchestrator) requireLedgerAgent(agent string) error {
	registered, err := getConfig(o.Ctx, batchLedgerConfigKey)
	if err != nil {
		return err
	}
	if registered == "" || agent != registered {
		return fmt.Errorf("%w: '%s' is not the registered batch ledger", ErrUnexpectedAgent, agent)
	}
	return nil
}

// OnBatchCreated indexes a freshly minted batch under its supplier's harvested
// stage. Invoked by the ledger inside the resolving transaction with the
// record it just wrote, which is not yet readable from state; an error here
// aborts the mint.
func (o *Orchestrator) OnBatchCreated(agent string, batch *model.Batch) error {
	if err := o.requireLedgerAgent(agent); err != nil {
		return err
	}
	if batch == nil {
		return fmt.Errorf("OnBatchCreated: no batch record supplied")
	}
	if err := o.appendIndex(model.StageHarvested, batch.SupplierID, batch.ID); err != nil {
		return fmt.Errorf("OnBatchCreated: %w", err)
	}
	orchLogger.Infof("Indexed batch %d under %s supplier %d.", batch.ID, model.StageHarvested, batch.SupplierID)
	return nil
}

// OnBatchUpdated indexes a batch under the actor responsible for the stage it
// just reached, branching on the record the ledger hands over. States that do
// not complete a stage pass through unindexed.
func (o *Orchestrator) OnBatchUpdated(agent string, batch *model.Batch) error {
	if err := o.requireLedgerAgent(agent); err != nil {
		return err
	}
	if batch == nil {
		return fmt.Errorf("OnBatchUpdated: no batch record supplied")
	}

	var stage model.StageRole
	var actorID uint64
	switch batch.State {
	case model.StateProcessed:
		stage, actorID = model.StageProcessed, batch.ProcessorID
	case model.StatePackaged:
		stage, actorID = model.StagePackaged, batch.ManufacturerID
	case model.StateAtDistributors:
		if batch.DistributorCount == 0 || batch.DistributorCount > uint64(len(batch.DistributorIDs)) {
			return fmt.Errorf("OnBatchUpdated: batch %d reached %s with no usable distributor entry", batch.ID, batch.State)
		}
		stage, actorID = model.StageDistributed, batch.DistributorIDs[batch.DistributorCount-1]
	case model.StateAtRetailers:
		if batch.RetailerCount == 0 || batch.RetailerCount > uint64(len(batch.RetailerIDs)) {
			return fmt.Errorf("OnBatchUpdated: batch %d reached %s with no usable retailer entry", batch.ID, batch.State)
		}
		stage, actorID = model.StageRetailed, batch.RetailerIDs[batch.RetailerCount-1]
	default:
		orchLogger.Debugf("Batch %d moved to '%s'; no stage index to update.", batch.ID, batch.State)
		return nil
	}

	if err := o.appendIndex(stage, actorID, batch.ID); err != nil {
		return fmt.Errorf("OnBatchUpdated: %w", err)
	}
	orchLogger.Infof("Indexed batch %d under %s actor %d.", batch.ID, stage, actorID)
	return nil
}

// appendIndex appends batchID to the insertion-ordered index for one actor and
// stage. Entries accumulate and are never removed.
func (o *Orchestrator) appendIndex(stage model.StageRole, actorID uint64, batchID uint64) error {
	key, err := o.createIndexKey(stage, actorID)
	if err != nil {
		return fmt.Errorf("failed to create index key for %s %d: %w", stage, actorID, err)
	}
	indexBytes, err := o.Ctx.GetStub().GetState(key)
	if err != nil {
		return fmt.Errorf("ledger error reading index for %s %d: %w", stage, actorID, err)
	}
	index := model.BatchIndex{ObjectType: indexObjectType, Stage: stage, ActorID: actorID, BatchIDs: []uint64{}}
	if indexBytes != nil {
		if err := json.Unmarshal(indexBytes, &index); err != nil {
			return fmt.Errorf("failed to unmarshal index for %s %d: %w", stage, actorID, err)
		}
	}

	index.BatchIDs = append(index.BatchIDs, batchID)
	updatedBytes, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to marshal index for %s %d: %w", stage, actorID, err)
	}
	if err := o.Ctx.GetStub().PutState(key, updatedBytes); err != nil {
		return fmt.Errorf("failed to save index for %s %d: %w", stage, actorID, err)
	}
	return nil
}

// BatchesOf returns every batch id indexed for one actor at one stage, in the
// order the batches reached that stage. An actor with no entries reads as an
// empty list.
func (o *Orchestrator) BatchesOf(stage model.StageRole, actorID uint64) ([]uint64, error) {
	if !model.ValidStageRoles[stage] {
		return nil, fmt.Errorf("unknown stage '%s'", stage)
	}
	key, err := o.createIndexKey(stage, actorID)
	if err != nil {
		return nil, fmt.Errorf("BatchesOf: failed to create index key for %s %d: %w", stage, actorID, err)
	}
	indexBytes, err := o.Ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("BatchesOf: ledger error reading index for %s %d: %w", stage, actorID, err)
	}
	if indexBytes == nil {
		return []uint64{}, nil
	}
	var index model.BatchIndex
	if err := json.Unmarshal(indexBytes, &index); err != nil {
		return nil, fmt.Errorf("BatchesOf: failed to unmarshal index for %s %d: %w", stage, actorID, err)
	}
	if index.BatchIDs == nil {
		index.BatchIDs = []uint64{}
	}
	return index.BatchIDs, nil
}
