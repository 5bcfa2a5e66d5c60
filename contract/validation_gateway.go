package contract

import (
	"encoding/json"
	"fmt"

	"provtrace/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var gwLogger = flogging.MustGetLogger("provtrace.validationgateway")

// validAnswer is the only verifier response accepted as success. The
// comparison is byte-exact; anything else counts as a rejection.
const validAnswer = "true"

// requestSequenceName backs the collision-free request id allocator.
const requestSequenceName = "validationRequest"

// ValidationGateway manages the pending-request correlation table shared by
// the identity registry and the batch ledger. Submit stores the proposed
// mutation and hands the metadata hash to the off-chain verifier; Take
// consumes the record exactly once when the verifier's answer arrives. The
// pending table is the only state connecting the two phases.
type ValidationGateway struct {
	Ctx contractapi.TransactionContextInterface
}

func NewValidationGateway(ctx contractapi.TransactionContextInterface) *ValidationGateway {
	return &ValidationGateway{Ctx: ctx}
}

func (g *ValidationGateway) createPendingKey(requestID uint64) (string, error) {
	return g.Ctx.GetStub().CreateCompositeKey(pendingObjectType, []string{padID(requestID)})
}

// Submit allocates a fresh request id, persists the pending record and
// dispatches the validation request to the external verifier. It never blocks
// for the verifier's answer.
func (g *ValidationGateway) Submit(pending *model.PendingValidation) (uint64, error) {
	requestID, err := nextSequence(g.Ctx, requestSequenceName)
	if err != nil {
		return 0, fmt.Errorf("Submit: failed to allocate request id: %w", err)
	}

	now, err := getCurrentTxTimestamp(g.Ctx)
	if err != nil {
		return 0, err
	}
	pending.ObjectType = pendingObjectType
	pending.RequestID = requestID
	pending.SubmittedAt = now

	pendingBytes, err := json.Marshal(pending)
	if err != nil {
		return 0, fmt.Errorf("Submit: failed to marshal pending record for request %d: %w", requestID, err)
	}
	key, err := g.createPendingKey(requestID)
	if err != nil {
		return 0, fmt.Errorf("Submit: failed to create pending key for request %d: %w", requestID, err)
	}
	if err := g.Ctx.GetStub().PutState(key, pendingBytes); err != nil {
		return 0, fmt.Errorf("Submit: failed to save pending record for request %d: %w", requestID, err)
	}

	emitEvent(g.Ctx, "MetadataValidationRequested", map[string]interface{}{
		"requestId":    requestID,
		"kind":         string(pending.Kind),
		"op":           string(pending.Op),
		"metadataHash": pending.MetadataHash,
	})
	gwLogger.Infof("Validation request %d submitted (%s %s, hash '%s') by '%s'.",
		requestID, pending.Op, pending.Kind, pending.MetadataHash, pending.RequestedBy)
	return requestID, nil
}

// Take consumes the pending record for requestID: it is read and deleted in
// the same transaction as the mutation it gates, so a resolved request can
// never be resolved again. A missing record signals a replay or an
// already-consumed id.
func (g *ValidationGateway) Take(requestID uint64) (*model.PendingValidation, error) {
	key, err := g.createPendingKey(requestID)
	if err != nil {
		return nil, fmt.Errorf("Take: failed to create pending key for request %d: %w", requestID, err)
	}
	pendingBytes, err := g.Ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("Take: ledger error reading pending record %d: %w", requestID, err)
	}
	if pendingBytes == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedRequestID, requestID)
	}
	var pending model.PendingValidation
	if err := json.Unmarshal(pendingBytes, &pending); err != nil {
		return nil, fmt.Errorf("Take: failed to unmarshal pending record %d: %w", requestID, err)
	}
	if err := g.Ctx.GetStub().DelState(key); err != nil {
		return nil, fmt.Errorf("Take: failed to delete pending record %d: %w", requestID, err)
	}
	return &pending, nil
}

// Accepted evaluates the verifier's verdict. Response and error arrive as
// independent fields; a non-empty error payload or any response other than
// the canonical "true" literal is a rejection.
func (g *ValidationGateway) Accepted(response, errPayload string) bool {
	return errPayload == "" && response == validAnswer
}
