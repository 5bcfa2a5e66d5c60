package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var logger = flogging.MustGetLogger("provtrace.contract")

// Object types for composite keys, also usable as 'docType' in CouchDB.
const (
	actorObjectType      = "Actor"             // Attributes: actor type name, padded id
	actorOwnerObjectType = "ActorOwner"        // Attributes: actor type name, account
	batchObjectType      = "Batch"             // Attributes: padded id
	pendingObjectType    = "PendingValidation" // Attributes: padded request id
	indexObjectType      = "BatchIndex"        // Attributes: stage, padded actor id
	roleObjectType       = "RoleGrant"         // Attributes: role, account
	counterObjectType    = "Counter"           // Attributes: counter name
	configObjectType     = "Config"            // Attributes: config name
)

const maxStringInputLength = 256

// maxPageSize caps every paginated read.
const maxPageSize = 100

// getCurrentTxTimestamp retrieves the current transaction timestamp from the stub.
func getCurrentTxTimestamp(ctx contractapi.TransactionContextInterface) (time.Time, error) {
	ts, err := ctx.GetStub().GetTxTimestamp()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get transaction timestamp: %w", err)
	}
	return ts.AsTime(), nil
}

// getCallerID retrieves the account identifier of the current transactor.
func getCallerID(ctx contractapi.TransactionContextInterface) (string, error) {
	clientIdentity := ctx.GetClientIdentity()
	if clientIdentity == nil {
		return "", errors.New("client identity is nil from context")
	}
	id, err := clientIdentity.GetID()
	if err != nil {
		return "", fmt.Errorf("failed to get client identity ID from context: %w", err)
	}
	if id == "" {
		return "", errors.New("client identity ID from context is empty")
	}
	return id, nil
}

// padID renders a numeric id so composite keys sort in issuance order.
func padID(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

func parseUint(value, field string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': %w", field, value, err)
	}
	return n, nil
}

func validateRequiredString(input, field string, max int) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if len(input) > max {
		return fmt.Errorf("%s exceeds max length %d", field, max)
	}
	return nil
}

// counterValue reads a sequence counter without advancing it. A missing
// counter reads as zero.
func counterValue(ctx contractapi.TransactionContextInterface, name string) (uint64, error) {
	key, err := ctx.GetStub().CreateCompositeKey(counterObjectType, []string{name})
	if err != nil {
		return 0, fmt.Errorf("failed to create counter key '%s': %w", name, err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return 0, fmt.Errorf("ledger error reading counter '%s': %w", name, err)
	}
	if raw == nil {
		return 0, nil
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter '%s' value '%s': %w", name, string(raw), err)
	}
	return n, nil
}

// nextSequence returns the current counter value and advances it by one.
// Sequences start at 0 and never reuse a value.
func nextSequence(ctx contractapi.TransactionContextInterface, name string) (uint64, error) {
	current, err := counterValue(ctx, name)
	if err != nil {
		return 0, err
	}
	key, err := ctx.GetStub().CreateCompositeKey(counterObjectType, []string{name})
	if err != nil {
		return 0, fmt.Errorf("failed to create counter key '%s': %w", name, err)
	}
	if err := ctx.GetStub().PutState(key, []byte(strconv.FormatUint(current+1, 10))); err != nil {
		return 0, fmt.Errorf("failed to advance counter '%s': %w", name, err)
	}
	return current, nil
}

// getConfig reads one named configuration value; empty string when unset.
func getConfig(ctx contractapi.TransactionContextInterface, name string) (string, error) {
	key, err := ctx.GetStub().CreateCompositeKey(configObjectType, []string{name})
	if err != nil {
		return "", fmt.Errorf("failed to create config key '%s': %w", name, err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return "", fmt.Errorf("ledger error reading config '%s': %w", name, err)
	}
	return string(raw), nil
}

func putConfig(ctx contractapi.TransactionContextInterface, name, value string) error {
	key, err := ctx.GetStub().CreateCompositeKey(configObjectType, []string{name})
	if err != nil {
		return fmt.Errorf("failed to create config key '%s': %w", name, err)
	}
	if err := ctx.GetStub().PutState(key, []byte(value)); err != nil {
		return fmt.Errorf("failed to save config '%s': %w", name, err)
	}
	return nil
}

// emitEvent sends a chaincode event with a JSON payload. Observers rebuild
// every accept/reject decision from these without re-reading state.
func emitEvent(ctx contractapi.TransactionContextInterface, eventName string, payload map[string]interface{}) {
	for k, v := range payload {
		if t, ok := v.(time.Time); ok {
			payload[k] = t.Format(time.RFC3339)
		}
	}
	eventBytes, err := json.Marshal(payload)
	if err != nil {
		logger.Warningf("emitEvent: Failed to marshal payload for event '%s': %v", eventName, err)
		return
	}
	if err := ctx.GetStub().SetEvent(eventName, eventBytes); err != nil {
		logger.Warningf("emitEvent: Failed to set event '%s': %v", eventName, err)
	}
}
