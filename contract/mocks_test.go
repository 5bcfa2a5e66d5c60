package contract

import (
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/pkg/cid"
	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric-protos-go/ledger/queryresult"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// compositeKeyNamespace mirrors the null-byte framing the shim uses for
// composite keys.
const compositeKeyNamespace = "\x00"

type recordedEvent struct {
	name    string
	payload []byte
}

type stagedWrite struct {
	value   []byte
	deleted bool
}

// mockStub is an in-memory world state implementing the subset of the stub
// the contract touches, with the peer's documented transaction semantics:
// reads observe only committed state, never the transaction's own write set;
// the write set applies on commit and vanishes on discard. Unimplemented
// methods panic through the embedded nil interface, which is what we want in
// tests.
type mockStub struct {
	shim.ChaincodeStubInterface
	committed    map[string][]byte
	writes       map[string]stagedWrite
	events       []recordedEvent
	stagedEvents []recordedEvent
	txTime       time.Time
}

func newMockStub() *mockStub {
	return &mockStub{
		committed: map[string][]byte{},
		writes:    map[string]stagedWrite{},
		txTime:    time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func (s *mockStub) beginTx() {
	s.writes = map[string]stagedWrite{}
	s.stagedEvents = nil
}

func (s *mockStub) commitTx() {
	for key, write := range s.writes {
		if write.deleted {
			delete(s.committed, key)
			continue
		}
		s.committed[key] = write.value
	}
	s.events = append(s.events, s.stagedEvents...)
	s.writes = map[string]stagedWrite{}
	s.stagedEvents = nil
}

func (s *mockStub) discardTx() {
	s.writes = map[string]stagedWrite{}
	s.stagedEvents = nil
}

func (s *mockStub) GetState(key string) ([]byte, error) {
	value, ok := s.committed[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

func (s *mockStub) PutState(key string, value []byte) error {
	s.writes[key] = stagedWrite{value: append([]byte(nil), value...)}
	return nil
}

func (s *mockStub) DelState(key string) error {
	s.writes[key] = stagedWrite{deleted: true}
	return nil
}

func (s *mockStub) CreateCompositeKey(objectType string, attributes []string) (string, error) {
	key := compositeKeyNamespace + objectType + compositeKeyNamespace
	for _, attr := range attributes {
		key += attr + compositeKeyNamespace
	}
	return key, nil
}

func (s *mockStub) GetStateByPartialCompositeKey(objectType string, attributes []string) (shim.StateQueryIteratorInterface, error) {
	prefix, _ := s.CreateCompositeKey(objectType, attributes)
	keys := make([]string, 0)
	for key := range s.committed {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	kvs := make([]*queryresult.KV, 0, len(keys))
	for _, key := range keys {
		kvs = append(kvs, &queryresult.KV{Key: key, Value: append([]byte(nil), s.committed[key]...)})
	}
	return &mockStateIterator{kvs: kvs}, nil
}

func (s *mockStub) GetTxTimestamp() (*timestamppb.Timestamp, error) {
	return timestamppb.New(s.txTime), nil
}

func (s *mockStub) SetEvent(name string, payload []byte) error {
	s.stagedEvents = append(s.stagedEvents, recordedEvent{name: name, payload: append([]byte(nil), payload...)})
	return nil
}

// snapshot copies the committed state for before/after comparisons.
func (s *mockStub) snapshot() map[string][]byte {
	copied := make(map[string][]byte, len(s.committed))
	for key, value := range s.committed {
		copied[key] = append([]byte(nil), value...)
	}
	return copied
}

// eventNames lists the committed event names in emission order.
func (s *mockStub) eventNames() []string {
	names := make([]string, 0, len(s.events))
	for _, event := range s.events {
		names = append(names, event.name)
	}
	return names
}

type mockStateIterator struct {
	kvs []*queryresult.KV
	pos int
}

func (it *mockStateIterator) HasNext() bool { return it.pos < len(it.kvs) }

func (it *mockStateIterator) Next() (*queryresult.KV, error) {
	if !it.HasNext() {
		return nil, fmt.Errorf("iterator exhausted")
	}
	kv := it.kvs[it.pos]
	it.pos++
	return kv, nil
}

func (it *mockStateIterator) Close() error { return nil }

// mockIdentity supplies a fixed transactor id.
type mockIdentity struct {
	cid.ClientIdentity
	id string
}

func (m *mockIdentity) GetID() (string, error) { return m.id, nil }

// Accounts shared across tests.
const (
	rootAccount     = "x509::CN=root-admin"
	verifierAccount = "x509::CN=verifier-service"
	growerAccount   = "x509::CN=grower-co"
	packerAccount   = "x509::CN=packer-co"
	shopperAccount  = "x509::CN=shopper"
)

type fixture struct {
	t        *testing.T
	stub     *mockStub
	ctx      *contractapi.TransactionContext
	contract *ProvenanceSmartContract
	caller   string
}

func newFixture(t *testing.T) *fixture {
	stub := newMockStub()
	ctx := &contractapi.TransactionContext{}
	ctx.SetStub(stub)
	f := &fixture{t: t, stub: stub, ctx: ctx, contract: &ProvenanceSmartContract{}}
	f.as(rootAccount)
	return f
}

// newBootstrappedFixture bootstraps with rootAccount as super admin and
// grants the verifier its service capability.
func newBootstrappedFixture(t *testing.T) *fixture {
	f := newFixture(t)
	require.NoError(t, f.bootstrap())
	require.NoError(t, f.grantRole("authorized_service", verifierAccount))
	return f
}

// as switches the transactor for subsequent calls.
func (f *fixture) as(account string) *fixture {
	f.caller = account
	f.ctx.SetClientIdentity(&mockIdentity{id: account})
	return f
}

// tx runs one contract invocation as its own transaction: the staged write
// set commits when the call succeeds and is discarded when it fails, the way
// a peer applies an endorsed transaction.
func (f *fixture) tx(fn func() error) error {
	f.stub.beginTx()
	if err := fn(); err != nil {
		f.stub.discardTx()
		return err
	}
	f.stub.commitTx()
	return nil
}

func (f *fixture) bootstrap() error {
	return f.tx(func() error { return f.contract.Bootstrap(f.ctx) })
}

func (f *fixture) grantRole(role, account string) error {
	return f.tx(func() error { return f.contract.GrantRole(f.ctx, role, account) })
}

func (f *fixture) revokeRole(role, account string) error {
	return f.tx(func() error { return f.contract.RevokeRole(f.ctx, role, account) })
}

func (f *fixture) transferSuperAdmin(account string) error {
	return f.tx(func() error { return f.contract.TransferSuperAdmin(f.ctx, account) })
}

func (f *fixture) submitActor(actorType, account, hash string) (string, error) {
	var requestID string
	err := f.tx(func() error {
		var err error
		requestID, err = f.contract.RegisterActor(f.ctx, actorType, account, hash)
		return err
	})
	return requestID, err
}

func (f *fixture) submitActorUpdate(actorType, actorID, hash string) (string, error) {
	var requestID string
	err := f.tx(func() error {
		var err error
		requestID, err = f.contract.UpdateActor(f.ctx, actorType, actorID, hash)
		return err
	})
	return requestID, err
}

func (f *fixture) transferActor(actorType, actorID, newOwner string) error {
	return f.tx(func() error { return f.contract.TransferActor(f.ctx, actorType, actorID, newOwner) })
}

func (f *fixture) fulfill(requestID, response, errPayload string) error {
	return f.tx(func() error { return f.contract.FulfillValidation(f.ctx, requestID, response, errPayload) })
}

func (f *fixture) submitHarvestedBatch(supplierID, hash string) (string, error) {
	var requestID string
	err := f.tx(func() error {
		var err error
		requestID, err = f.contract.AddHarvestedBatch(f.ctx, supplierID, hash)
		return err
	})
	return requestID, err
}

func (f *fixture) submitBatchReplacement(batchJSON, hash string) (string, error) {
	var requestID string
	err := f.tx(func() error {
		var err error
		requestID, err = f.contract.UpdateBatchState(f.ctx, batchJSON, hash)
		return err
	})
	return requestID, err
}

func (f *fixture) setBatch(batchID, batchJSON string) error {
	return f.tx(func() error { return f.contract.SetBatch(f.ctx, batchID, batchJSON) })
}

func (f *fixture) transferBatch(batchID, newOwner string) error {
	return f.tx(func() error { return f.contract.TransferBatch(f.ctx, batchID, newOwner) })
}

func (f *fixture) setOrchestratorAddress(address string) error {
	return f.tx(func() error { return f.contract.SetOrchestratorAddress(f.ctx, address) })
}

func (f *fixture) setBatchLedgerAddress(address string) error {
	return f.tx(func() error { return f.contract.SetBatchLedgerAddress(f.ctx, address) })
}

// registerActor drives a registration through submission and acceptance,
// restoring the transactor it was called under.
func (f *fixture) registerActor(actorType, account, hash string) string {
	f.t.Helper()
	previous := f.caller
	f.as(verifierAccount)
	requestID, err := f.submitActor(actorType, account, hash)
	require.NoError(f.t, err)
	require.NoError(f.t, f.fulfill(requestID, "true", ""))
	f.as(previous)
	return requestID
}

// addBatch drives a harvested-batch creation through submission (as caller)
// and acceptance (as the verifier), restoring the transactor it was called
// under.
func (f *fixture) addBatch(caller string, supplierID, hash string) string {
	f.t.Helper()
	previous := f.caller
	f.as(caller)
	requestID, err := f.submitHarvestedBatch(supplierID, hash)
	require.NoError(f.t, err)
	f.as(verifierAccount)
	require.NoError(f.t, f.fulfill(requestID, "true", ""))
	f.as(previous)
	return requestID
}
