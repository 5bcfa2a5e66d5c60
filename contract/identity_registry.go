package contract

import (
	"encoding/json"
	"fmt"

	"provtrace/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var idLogger = flogging.MustGetLogger("provtrace.identityregistry")

// IdentityRegistry issues and updates the soulbound participant identities,
// one sub-collection per actor type. Every mutation goes through the
// validation gateway: submission stores a pending record, resolution mints or
// updates.
type IdentityRegistry struct {
	Ctx contractapi.TransactionContextInterface
	acl *AccessRegistry
	gw  *ValidationGateway
}

func NewIdentityRegistry(ctx contractapi.TransactionContextInterface) *IdentityRegistry {
	return &IdentityRegistry{Ctx: ctx, acl: NewAccessRegistry(ctx), gw: NewValidationGateway(ctx)}
}

func actorSequenceName(actorType model.ActorType) string {
	return "actor:" + actorType.String()
}

func (ir *IdentityRegistry) createActorKey(actorType model.ActorType, actorID uint64) (string, error) {
	return ir.Ctx.GetStub().CreateCompositeKey(actorObjectType, []string{actorType.String(), padID(actorID)})
}

func (ir *IdentityRegistry) createOwnerKey(actorType model.ActorType, account string) (string, error) {
	return ir.Ctx.GetStub().CreateCompositeKey(actorOwnerObjectType, []string{actorType.String(), account})
}

// TotalIssued returns how many identities of actorType have been minted.
func (ir *IdentityRegistry) TotalIssued(actorType model.ActorType) (uint64, error) {
	return counterValue(ir.Ctx, actorSequenceName(actorType))
}

// Register starts a validation request for a new identity of actorType owned
// by account. Nothing is issued until the verifier accepts the metadata hash.
func (ir *IdentityRegistry) Register(actorType model.ActorType, account, metadataHash string) (uint64, error) {
	caller, err := getCallerID(ir.Ctx)
	if err != nil {
		return 0, fmt.Errorf("Register: failed to get caller identity: %w", err)
	}
	if !actorType.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidActorType, int(actorType))
	}
	if err := ir.acl.RequireService(caller); err != nil {
		return 0, err
	}
	if err := validateRequiredString(account, "account", maxStringInputLength); err != nil {
		return 0, err
	}
	if err := validateRequiredString(metadataHash, "metadataHash", maxStringInputLength); err != nil {
		return 0, err
	}

	requestID, err := ir.gw.Submit(&model.PendingValidation{
		Kind:         model.RequestActor,
		Op:           model.OpCreate,
		ActorType:    actorType,
		Account:      account,
		MetadataHash: metadataHash,
		RequestedBy:  caller,
	})
	if err != nil {
		return 0, fmt.Errorf("Register: %w", err)
	}
	idLogger.Infof("Registration of %s identity for '%s' submitted as request %d.", actorType, account, requestID)
	return requestID, nil
}

// Update starts a validation request replacing the metadata hash of an
// existing identity. The target id must already be issued.
func (ir *IdentityRegistry) Update(actorType model.ActorType, actorID uint64, metadataHash string) (uint64, error) {
	caller, err := getCallerID(ir.Ctx)
	if err != nil {
		return 0, fmt.Errorf("Update: failed to get caller identity: %w", err)
	}
	if !actorType.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidActorType, int(actorType))
	}
	if err := ir.acl.RequireService(caller); err != nil {
		return 0, err
	}
	if err := validateRequiredString(metadataHash, "metadataHash", maxStringInputLength); err != nil {
		return 0, err
	}
	total, err := ir.TotalIssued(actorType)
	if err != nil {
		return 0, err
	}
	if actorID >= total {
		return 0, fmt.Errorf("%w: %s %d", ErrUnknownToken, actorType, actorID)
	}

	requestID, err := ir.gw.Submit(&model.PendingValidation{
		Kind:         model.RequestActor,
		Op:           model.OpUpdate,
		ActorType:    actorType,
		ActorID:      actorID,
		MetadataHash: metadataHash,
		RequestedBy:  caller,
	})
	if err != nil {
		return 0, fmt.Errorf("Update: %w", err)
	}
	idLogger.Infof("Update of %s identity %d submitted as request %d.", actorType, actorID, requestID)
	return requestID, nil
}

// resolveSuccess applies a verifier-accepted actor mutation. For a new
// registration it mints the next sequential id of the type, enforcing the
// one-identity-per-account balance check; for an update it replaces the
// stored metadata hash.
func (ir *IdentityRegistry) resolveSuccess(pending *model.PendingValidation) error {
	now, err := getCurrentTxTimestamp(ir.Ctx)
	if err != nil {
		return err
	}

	switch pending.Op {
	case model.OpCreate:
		ownerKey, err := ir.createOwnerKey(pending.ActorType, pending.Account)
		if err != nil {
			return fmt.Errorf("resolveSuccess: failed to create owner key: %w", err)
		}
		existing, err := ir.Ctx.GetStub().GetState(ownerKey)
		if err != nil {
			return fmt.Errorf("resolveSuccess: ledger error checking balance for '%s': %w", pending.Account, err)
		}
		if existing != nil {
			return fmt.Errorf("%w: account '%s' already owns a %s identity", ErrDoubleRegistration, pending.Account, pending.ActorType)
		}

		actorID, err := nextSequence(ir.Ctx, actorSequenceName(pending.ActorType))
		if err != nil {
			return fmt.Errorf("resolveSuccess: failed to mint %s id: %w", pending.ActorType, err)
		}
		record := model.ActorRecord{
			ObjectType:    actorObjectType,
			Type:          pending.ActorType,
			ID:            actorID,
			Owner:         pending.Account,
			MetadataHash:  pending.MetadataHash,
			RegisteredBy:  pending.RequestedBy,
			RegisteredAt:  now,
			LastUpdatedAt: now,
		}
		if err := ir.putActor(&record); err != nil {
			return err
		}
		if err := ir.Ctx.GetStub().PutState(ownerKey, []byte(padID(actorID))); err != nil {
			return fmt.Errorf("resolveSuccess: failed to save ownership of %s %d: %w", pending.ActorType, actorID, err)
		}

		emitEvent(ir.Ctx, "ActorRegistered", map[string]interface{}{
			"requestId": pending.RequestID, "actorType": pending.ActorType.String(),
			"actorId": actorID, "owner": pending.Account, "metadataHash": pending.MetadataHash,
		})
		idLogger.Infof("Minted %s identity %d to '%s' (request %d).", pending.ActorType, actorID, pending.Account, pending.RequestID)
		return nil

	case model.OpUpdate:
		record, err := ir.getActor(pending.ActorType, pending.ActorID)
		if err != nil {
			return fmt.Errorf("resolveSuccess: %w", err)
		}
		record.MetadataHash = pending.MetadataHash
		record.LastUpdatedAt = now
		if err := ir.putActor(record); err != nil {
			return err
		}

		emitEvent(ir.Ctx, "ActorUpdated", map[string]interface{}{
			"requestId": pending.RequestID, "actorType": pending.ActorType.String(),
			"actorId": pending.ActorID, "metadataHash": pending.MetadataHash,
		})
		idLogger.Infof("Updated %s identity %d (request %d).", pending.ActorType, pending.ActorID, pending.RequestID)
		return nil

	default:
		return fmt.Errorf("resolveSuccess: unknown pending op '%s'", pending.Op)
	}
}

// resolveFailure records a verifier rejection or infrastructure error.
// No mutation is applied; callers learn of the outcome from the event only.
func (ir *IdentityRegistry) resolveFailure(pending *model.PendingValidation, response, errPayload string) {
	emitEvent(ir.Ctx, "ActorValidationFailed", map[string]interface{}{
		"requestId": pending.RequestID, "actorType": pending.ActorType.String(),
		"op": string(pending.Op), "account": pending.Account, "actorId": pending.ActorID,
		"metadataHash": pending.MetadataHash, "response": response, "error": errPayload,
	})
	idLogger.Infof("Validation of %s request %d failed (response '%s', error '%s'). No mutation applied.",
		pending.ActorType, pending.RequestID, response, errPayload)
}

func (ir *IdentityRegistry) putActor(record *model.ActorRecord) error {
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s identity %d: %w", record.Type, record.ID, err)
	}
	key, err := ir.createActorKey(record.Type, record.ID)
	if err != nil {
		return fmt.Errorf("failed to create actor key for %s %d: %w", record.Type, record.ID, err)
	}
	if err := ir.Ctx.GetStub().PutState(key, recordBytes); err != nil {
		return fmt.Errorf("failed to save %s identity %d: %w", record.Type, record.ID, err)
	}
	return nil
}

func (ir *IdentityRegistry) getActor(actorType model.ActorType, actorID uint64) (*model.ActorRecord, error) {
	key, err := ir.createActorKey(actorType, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to create actor key for %s %d: %w", actorType, actorID, err)
	}
	recordBytes, err := ir.Ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading %s identity %d: %w", actorType, actorID, err)
	}
	if recordBytes == nil {
		return nil, fmt.Errorf("%w: %s %d", ErrUnknownToken, actorType, actorID)
	}
	var record model.ActorRecord
	if err := json.Unmarshal(recordBytes, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s identity %d: %w", actorType, actorID, err)
	}
	return &record, nil
}

// OwnerOf returns the owning account of an issued identity.
func (ir *IdentityRegistry) OwnerOf(actorType model.ActorType, actorID uint64) (string, error) {
	if !actorType.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidActorType, int(actorType))
	}
	record, err := ir.getActor(actorType, actorID)
	if err != nil {
		return "", err
	}
	return record.Owner, nil
}

// URI returns the metadata hash of an issued identity.
func (ir *IdentityRegistry) URI(actorType model.ActorType, actorID uint64) (string, error) {
	if !actorType.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidActorType, int(actorType))
	}
	record, err := ir.getActor(actorType, actorID)
	if err != nil {
		return "", err
	}
	return record.MetadataHash, nil
}

// URIPage returns min(pageSize, total-cursor) metadata hashes of actorType in
// id order starting at cursor. The page size is capped at 100 and the cursor
// must address an issued id.
func (ir *IdentityRegistry) URIPage(actorType model.ActorType, cursor, pageSize uint64) ([]string, error) {
	if !actorType.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidActorType, int(actorType))
	}
	if pageSize > maxPageSize {
		return nil, fmt.Errorf("%w: pageSize %d exceeds maximum %d", ErrOutOfBounds, pageSize, maxPageSize)
	}
	total, err := ir.TotalIssued(actorType)
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
		record, err := ir.getActor(actorType, cursor+i)
		if err != nil {
			return nil, fmt.Errorf("URIPage: %w", err)
		}
		hashes = append(hashes, record.MetadataHash)
	}
	return hashes, nil
}

// Transfer unconditionally rejects ownership changes: identities are bound to
// their minting account for their entire lifetime.
func (ir *IdentityRegistry) Transfer(actorType model.ActorType, actorID uint64, newOwner string) error {
	return fmt.Errorf("%w: %s identity %d", ErrSoulboundTransfer, actorType, actorID)
}
