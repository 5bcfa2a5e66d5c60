package contract

import (
	"encoding/json"
	"fmt"
	"strconv"

	"provtrace/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// ProvenanceSmartContract is the exported transaction surface. Every method is
// a thin wrapper parsing string arguments and delegating to the component
// managers; numbers cross the boundary as decimal strings.
type ProvenanceSmartContract struct {
	contractapi.Contract
}

// Instantiate runs on chaincode instantiation or upgrade.
func (psc *ProvenanceSmartContract) Instantiate(ctx contractapi.TransactionContextInterface) error {
	logger.Info("Provenance chaincode instantiated.")
	return nil
}

// Bootstrap establishes the initial administration: the first caller becomes
// super admin, the component addresses are registered, and the orchestrator
// component receives the service capability it needs to reach the batch
// ledger. Re-running after bootstrap fails.
func (psc *ProvenanceSmartContract) Bootstrap(ctx contractapi.TransactionContextInterface) error {
	acl := NewAccessRegistry(ctx)
	holder, err := acl.SuperAdminHolder()
	if err != nil {
		return fmt.Errorf("Bootstrap: %w", err)
	}
	if holder != "" {
		return fmt.Errorf("Bootstrap: ledger already bootstrapped, super admin is '%s'", holder)
	}
	caller, err := getCallerID(ctx)
	if err != nil {
		return fmt.Errorf("Bootstrap: failed to get caller identity: %w", err)
	}

	if err := putConfig(ctx, superAdminConfigKey, caller); err != nil {
		return fmt.Errorf("Bootstrap: %w", err)
	}
	if err := putConfig(ctx, orchestratorConfigKey, orchestratorAgentID); err != nil {
		return fmt.Errorf("Bootstrap: %w", err)
	}
	if err := putConfig(ctx, batchLedgerConfigKey, batchLedgerAgentID); err != nil {
		return fmt.Errorf("Bootstrap: %w", err)
	}

	// The super-admin seat written above is invisible to GetState until this
	// transaction commits, so the gated Grant path cannot authorize the
	// caller yet; the grant record is written directly.
	now, err := getCurrentTxTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("Bootstrap: %w", err)
	}
	grant := model.RoleGrant{
		ObjectType: roleObjectType,
		Account:    orchestratorAgentID,
		Role:       model.RoleAuthorizedService,
		GrantedBy:  caller,
		GrantedAt:  now,
	}
	grantBytes, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("Bootstrap: failed to marshal grant record: %w", err)
	}
	grantKey, err := acl.createRoleKey(model.RoleAuthorizedService, orchestratorAgentID)
	if err != nil {
		return fmt.Errorf("Bootstrap: failed to create role key: %w", err)
	}
	if err := ctx.GetStub().PutState(grantKey, grantBytes); err != nil {
		return fmt.Errorf("Bootstrap: failed to save role '%s' for '%s': %w", model.RoleAuthorizedService, orchestratorAgentID, err)
	}

	emitEvent(ctx, "RoleGranted", map[string]interface{}{
		"role": string(model.RoleAuthorizedService), "account": orchestratorAgentID,
		"grantedBy": caller, "grantedAt": now,
	})
	emitEvent(ctx, "SuperAdminTransferred", map[string]interface{}{
		"previousHolder": "", "newHolder": caller,
	})
	logger.Infof("Ledger bootstrapped: '%s' is super admin.", caller)
	return nil
}

// --- Access control ---

func (psc *ProvenanceSmartContract) GrantRole(ctx contractapi.TransactionContextInterface, role string, account string) error {
	return NewAccessRegistry(ctx).Grant(model.Role(role), account)
}

func (psc *ProvenanceSmartContract) RevokeRole(ctx contractapi.TransactionContextInterface, role string, account string) error {
	return NewAccessRegistry(ctx).Revoke(model.Role(role), account)
}

func (psc *ProvenanceSmartContract) TransferSuperAdmin(ctx contractapi.TransactionContextInterface, account string) error {
	return NewAccessRegistry(ctx).TransferSuperAdmin(account)
}

func (psc *ProvenanceSmartContract) HasRole(ctx contractapi.TransactionContextInterface, role string, account string) (bool, error) {
	return NewAccessRegistry(ctx).HasRole(model.Role(role), account)
}

// GetRoleHolders lists the accounts holding a role, up to maxCount when it is
// non-zero.
func (psc *ProvenanceSmartContract) GetRoleHolders(ctx contractapi.TransactionContextInterface, role string, maxCount string) ([]string, error) {
	count, err := parseUint(maxCount, "maxCount")
	if err != nil {
		return nil, err
	}
	return NewAccessRegistry(ctx).RoleHolders(model.Role(role), count)
}

// --- Actor identities ---

// RegisterActor submits a new identity for validation and returns the request
// id as a decimal string.
func (psc *ProvenanceSmartContract) RegisterActor(ctx contractapi.TransactionContextInterface, actorType string, account string, metadataHash string) (string, error) {
	parsedType, err := model.ActorTypeFromName(actorType)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidActorType, actorType)
	}
	requestID, err := NewIdentityRegistry(ctx).Register(parsedType, account, metadataHash)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(requestID, 10), nil
}

// UpdateActor submits a metadata replacement for an issued identity.
func (psc *ProvenanceSmartContract) UpdateActor(ctx contractapi.TransactionContextInterface, actorType string, actorID string, metadataHash string) (string, error) {
	parsedType, err := model.ActorTypeFromName(actorType)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidActorType, actorType)
	}
	id, err := parseUint(actorID, "actorID")
	if err != nil {
		return "", err
	}
	requestID, err := NewIdentityRegistry(ctx).Update(parsedType, id, metadataHash)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(requestID, 10), nil
}

// TransferActor always fails: identities are soulbound.
func (psc *ProvenanceSmartContract) TransferActor(ctx contractapi.TransactionContextInterface, actorType string, actorID string, newOwner string) error {
	parsedType, err := model.ActorTypeFromName(actorType)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidActorType, actorType)
	}
	id, err := parseUint(actorID, "actorID")
	if err != nil {
		return err
	}
	return NewIdentityRegistry(ctx).Transfer(parsedType, id, newOwner)
}

func (psc *ProvenanceSmartContract) ActorOwner(ctx contractapi.TransactionContextInterface, actorType string, actorID string) (string, error) {
	parsedType, err := model.ActorTypeFromName(actorType)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidActorType, actorType)
	}
	id, err := parseUint(actorID, "actorID")
	if err != nil {
		return "", err
	}
	return NewIdentityRegistry(ctx).OwnerOf(parsedType, id)
}

func (psc *ProvenanceSmartContract) ActorURI(ctx contractapi.TransactionContextInterface, actorType string, actorID string) (string, error) {
	parsedType, err := model.ActorTypeFromName(actorType)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidActorType, actorType)
	}
	id, err := parseUint(actorID, "actorID")
	if err != nil {
		return "", err
	}
	return NewIdentityRegistry(ctx).URI(parsedType, id)
}

func (psc *ProvenanceSmartContract) ActorURIPage(ctx contractapi.TransactionContextInterface, actorType string, cursor string, pageSize string) ([]string, error) {
	parsedType, err := model.ActorTypeFromName(actorType)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidActorType, actorType)
	}
	from, err := parseUint(cursor, "cursor")
	if err != nil {
		return nil, err
	}
	size, err := parseUint(pageSize, "pageSize")
	if err != nil {
		return nil, err
	}
	return NewIdentityRegistry(ctx).URIPage(parsedType, from, size)
}

// --- Batches ---

// AddHarvestedBatch submits a new batch for an issued supplier and returns the
// validation request id.
func (psc *ProvenanceSmartContract) AddHarvestedBatch(ctx contractapi.TransactionContextInterface, supplierID string, metadataHash string) (string, error) {
	id, err := parseUint(supplierID, "supplierID")
	if err != nil {
		return "", err
	}
	requestID, err := NewOrchestrator(ctx).AddHarvestedBatch(id, metadataHash)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(requestID, 10), nil
}

// UpdateBatchState submits a full lifecycle replacement, passed as the JSON
// encoding of the batch record.
func (psc *ProvenanceSmartContract) UpdateBatchState(ctx contractapi.TransactionContextInterface, batchJSON string, metadataHash string) (string, error) {
	var replacement model.Batch
	if err := json.Unmarshal([]byte(batchJSON), &replacement); err != nil {
		return "", fmt.Errorf("UpdateBatchState: invalid batch payload: %w", err)
	}
	requestID, err := NewOrchestrator(ctx).UpdateBatchState(&replacement, metadataHash)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(requestID, 10), nil
}

// TransferBatch always fails: batch records are soulbound.
func (psc *ProvenanceSmartContract) TransferBatch(ctx contractapi.TransactionContextInterface, batchID string, newOwner string) error {
	id, err := parseUint(batchID, "batchID")
	if err != nil {
		return err
	}
	return NewBatchLedger(ctx).Transfer(id, newOwner)
}

// SetBatch overwrites an issued batch directly, bypassing validation.
func (psc *ProvenanceSmartContract) SetBatch(ctx contractapi.TransactionContextInterface, batchID string, batchJSON string) error {
	id, err := parseUint(batchID, "batchID")
	if err != nil {
		return err
	}
	var replacement model.Batch
	if err := json.Unmarshal([]byte(batchJSON), &replacement); err != nil {
		return fmt.Errorf("SetBatch: invalid batch payload: %w", err)
	}
	return NewBatchLedger(ctx).SetBatch(id, &replacement)
}

func (psc *ProvenanceSmartContract) BatchURI(ctx contractapi.TransactionContextInterface, batchID string) (string, error) {
	id, err := parseUint(batchID, "batchID")
	if err != nil {
		return "", err
	}
	return NewBatchLedger(ctx).URI(id)
}

func (psc *ProvenanceSmartContract) BatchURIPage(ctx contractapi.TransactionContextInterface, cursor string, pageSize string) ([]string, error) {
	from, err := parseUint(cursor, "cursor")
	if err != nil {
		return nil, err
	}
	size, err := parseUint(pageSize, "pageSize")
	if err != nil {
		return nil, err
	}
	return NewBatchLedger(ctx).URIPage(from, size)
}

// SupplierOf returns the supplier id a batch was registered against, as a
// decimal string.
func (psc *ProvenanceSmartContract) SupplierOf(ctx contractapi.TransactionContextInterface, batchID string) (string, error) {
	id, err := parseUint(batchID, "batchID")
	if err != nil {
		return "", err
	}
	supplierID, err := NewBatchLedger(ctx).SupplierOf(id)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(supplierID, 10), nil
}

// ActorsOf returns the stage actors recorded on a batch.
func (psc *ProvenanceSmartContract) ActorsOf(ctx contractapi.TransactionContextInterface, batchID string) (*model.BatchActors, error) {
	id, err := parseUint(batchID, "batchID")
	if err != nil {
		return nil, err
	}
	return NewBatchLedger(ctx).ActorsOf(id)
}

// BatchesOf returns every batch id indexed for one actor at one stage.
func (psc *ProvenanceSmartContract) BatchesOf(ctx contractapi.TransactionContextInterface, stage string, actorID string) ([]uint64, error) {
	id, err := parseUint(actorID, "actorID")
	if err != nil {
		return nil, err
	}
	return NewOrchestrator(ctx).BatchesOf(model.StageRole(stage), id)
}

// --- Component wiring ---

func (psc *ProvenanceSmartContract) SetOrchestratorAddress(ctx contractapi.TransactionContextInterface, address string) error {
	return NewBatchLedger(ctx).SetOrchestratorAddress(address)
}

func (psc *ProvenanceSmartContract) SetBatchLedgerAddress(ctx contractapi.TransactionContextInterface, address string) error {
	return NewBatchLedger(ctx).SetBatchLedgerAddress(address)
}

// --- Validation resolution ---

// FulfillValidation delivers the verifier's answer for one pending request.
// Callable only by authorized_service holders. The pending record is consumed
// whatever the verdict; acceptance applies the stored mutation atomically,
// rejection emits the failure event and changes nothing else.
func (psc *ProvenanceSmartContract) FulfillValidation(ctx contractapi.TransactionContextInterface, requestID string, response string, errPayload string) error {
	caller, err := getCallerID(ctx)
	if err != nil {
		return fmt.Errorf("FulfillValidation: failed to get caller identity: %w", err)
	}
	acl := NewAccessRegistry(ctx)
	if err := acl.RequireService(caller); err != nil {
		return err
	}
	id, err := parseUint(requestID, "requestID")
	if err != nil {
		return err
	}

	gw := NewValidationGateway(ctx)
	pending, err := gw.Take(id)
	if err != nil {
		return fmt.Errorf("FulfillValidation: %w", err)
	}
	accepted := gw.Accepted(response, errPayload)

	switch pending.Kind {
	case model.RequestActor:
		registry := NewIdentityRegistry(ctx)
		if accepted {
			return registry.resolveSuccess(pending)
		}
		registry.resolveFailure(pending, response, errPayload)
		return nil
	case model.RequestBatch:
		ledger := NewBatchLedger(ctx)
		if accepted {
			return ledger.resolveSuccess(pending)
		}
		ledger.resolveFailure(pending, response, errPayload)
		return nil
	default:
		return fmt.Errorf("FulfillValidation: pending request %d has unknown kind '%s'", id, pending.Kind)
	}
}
