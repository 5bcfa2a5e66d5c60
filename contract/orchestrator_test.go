package contract

import (
	"testing"

	"provtrace/model"

	"github.com/stretchr/testify/require"
)

func TestDistributorAndRetailerStageIndexing(t *testing.T) {
	f := newSupplyChainFixture(t)
	f.addBatch(growerAccount, "0", "QmHarvest")

	requestID := submitBatchUpdate(f, model.Batch{
		ID: 0, State: model.StateAtDistributors, SupplierID: 0,
		DistributorIDs: []uint64{4, 7}, DistributorCount: 2,
	}, "QmDistributed")
	f.as(verifierAccount)
	require.NoError(t, f.fulfill(requestID, "true", ""))

	// Only the most recent distributor is credited with the stage.
	batches, err := f.contract.BatchesOf(f.ctx, "distributed", "7")
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, batches)
	batches, err = f.contract.BatchesOf(f.ctx, "distributed", "4")
	require.NoError(t, err)
	require.Empty(t, batches)

	requestID = submitBatchUpdate(f, model.Batch{
		ID: 0, State: model.StateAtRetailers, SupplierID: 0,
		DistributorIDs: []uint64{4, 7}, DistributorCount: 2,
		RetailerIDs: []uint64{2}, RetailerCount: 1,
	}, "QmRetailed")
	f.as(verifierAccount)
	require.NoError(t, f.fulfill(requestID, "true", ""))

	batches, err = f.contract.BatchesOf(f.ctx, "retailed", "2")
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, batches)
}

func TestLogisticStatesPassThroughUnindexed(t *testing.T) {
	f := newSupplyChainFixture(t)
	f.addBatch(growerAccount, "0", "QmHarvest")

	for _, state := range []model.BatchState{model.StateInTransit, model.StateInStorage, model.StateToCustomers, model.StateInProcessing} {
		requestID := submitBatchUpdate(f, model.Batch{ID: 0, State: state, SupplierID: 0}, "QmMove")
		f.as(verifierAccount)
		require.NoError(t, f.fulfill(requestID, "true", ""))
	}

	for _, stage := range []string{"processed", "packaged", "distributed", "retailed"} {
		batches, err := f.contract.BatchesOf(f.ctx, stage, "0")
		require.NoError(t, err)
		require.Empty(t, batches, "stage %s must stay empty", stage)
	}
	// The harvest index itself is append-only and survives every move.
	batches, err := f.contract.BatchesOf(f.ctx, "harvested", "0")
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, batches)
}

func TestIndexAccumulatesInInsertionOrder(t *testing.T) {
	f := newSupplyChainFixture(t)
	f.addBatch(growerAccount, "0", "QmA")
	f.addBatch(growerAccount, "0", "QmB")
	f.addBatch(growerAccount, "0", "QmC")

	batches, err := f.contract.BatchesOf(f.ctx, "harvested", "0")
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 2}, batches)
}

func TestBatchesOfUnknownStage(t *testing.T) {
	f := newSupplyChainFixture(t)
	_, err := f.contract.BatchesOf(f.ctx, "recalled", "0")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown stage")
}

func TestCallbacksRejectForeignAgents(t *testing.T) {
	f := newSupplyChainFixture(t)
	f.addBatch(growerAccount, "0", "QmHarvest")

	orch := NewOrchestrator(f.ctx)
	batch := &model.Batch{ID: 0}
	require.ErrorIs(t, orch.OnBatchCreated("x509::CN=mallory", batch), ErrUnexpectedAgent)
	require.ErrorIs(t, orch.OnBatchUpdated("x509::CN=mallory", batch), ErrUnexpectedAgent)
}

func TestRewiredLedgerAddressAbortsResolution(t *testing.T) {
	f := newSupplyChainFixture(t)

	// Point the orchestrator at a different ledger agent: the real ledger's
	// callbacks are now the unexpected ones.
	require.NoError(t, f.setBatchLedgerAddress("other:batch-ledger"))

	f.as(growerAccount)
	requestID, err := f.submitHarvestedBatch("0", "QmValidHash")
	require.NoError(t, err)
	f.as(verifierAccount)
	require.ErrorIs(t, f.fulfill(requestID, "true", ""), ErrUnexpectedAgent)
}

func TestRewiredOrchestratorAddressAbortsResolution(t *testing.T) {
	f := newSupplyChainFixture(t)
	require.NoError(t, f.setOrchestratorAddress("other:orchestrator"))

	f.as(growerAccount)
	requestID, err := f.submitHarvestedBatch("0", "QmValidHash")
	require.NoError(t, err)
	f.as(verifierAccount)
	err = f.fulfill(requestID, "true", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not serviceable")
}

func TestFailedResolutionLeavesNoPartialState(t *testing.T) {
	f := newSupplyChainFixture(t)
	require.NoError(t, f.setBatchLedgerAddress("other:batch-ledger"))

	f.as(growerAccount)
	requestID, err := f.submitHarvestedBatch("0", "QmValidHash")
	require.NoError(t, err)

	// The callback failure aborts the whole resolution: no batch, no index,
	// and the pending record is still there.
	f.as(verifierAccount)
	before := f.stub.snapshot()
	require.ErrorIs(t, f.fulfill(requestID, "true", ""), ErrUnexpectedAgent)
	require.Equal(t, before, f.stub.snapshot())

	_, err = f.contract.BatchURI(f.ctx, "0")
	require.ErrorIs(t, err, ErrUnknownToken)

	// Once the wiring is repaired the untouched request resolves normally.
	f.as(rootAccount)
	require.NoError(t, f.setBatchLedgerAddress(batchLedgerAgentID))
	f.as(verifierAccount)
	require.NoError(t, f.fulfill(requestID, "true", ""))

	uri, err := f.contract.BatchURI(f.ctx, "0")
	require.NoError(t, err)
	require.Equal(t, "QmValidHash", uri)
	batches, err := f.contract.BatchesOf(f.ctx, "harvested", "0")
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, batches)
}

func TestAddressWiringRequiresAdmin(t *testing.T) {
	f := newSupplyChainFixture(t)
	f.as(growerAccount)
	require.ErrorIs(t, f.setOrchestratorAddress("other:orchestrator"), ErrUnauthorized)
	require.ErrorIs(t, f.setBatchLedgerAddress("other:ledger"), ErrUnauthorized)
}
