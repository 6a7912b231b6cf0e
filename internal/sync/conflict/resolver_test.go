// Package conflict tests for conflict resolution.
package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
	"github.com/kimhsiao/ledgersync/internal/sync/remote"
)

var (
	t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
)

func localItem(version int64, device string, at time.Time) *queue.Item {
	return &queue.Item{
		OperationID:      "op_local",
		OperationType:    queue.OperationUpdate,
		TargetCollection: "invoices",
		DocumentID:       "inv_1",
		OwnerID:          "biz_1",
		Status:           queue.StatusInProgress,
		Payload: map[string]interface{}{
			"amount":                  42,
			queue.PayloadKeyVersion:   version,
			queue.PayloadKeyDeviceID:  device,
			queue.PayloadKeyUpdatedAt: at.Format(time.RFC3339Nano),
		},
	}
}

func remoteDoc(version int64, device string, at time.Time) *remote.Document {
	return &remote.Document{
		OwnerID:    "biz_1",
		Collection: "invoices",
		DocumentID: "inv_1",
		Payload:    map[string]interface{}{"amount": 7, "note": "remote"},
		Version:    version,
		DeviceID:   device,
		UpdatedAt:  at,
	}
}

func fixedClock() time.Time { return t1 }

// =====================================================
// Decision Tests
// =====================================================

func TestResolve_NoRemoteProceeds(t *testing.T) {
	r := NewResolver()
	item := localItem(2, "dev_a", t0)

	res, err := r.Resolve(item, nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, res.Decision)
	assert.Nil(t, res.Log)
}

func TestResolve_StaleRebases(t *testing.T) {
	r := NewResolver(WithClock(fixedClock))
	item := localItem(2, "dev_a", t0)

	res, err := r.Resolve(item, remoteDoc(5, "dev_b", t0))
	require.NoError(t, err)

	assert.Equal(t, DecisionRebase, res.Decision)
	assert.Equal(t, queue.OperationUpdate, res.OperationType)
	assert.EqualValues(t, 6, queue.VersionOf(res.Payload))
	assert.EqualValues(t, 42, res.Payload["amount"])
	// The original payload is untouched.
	assert.EqualValues(t, 2, queue.VersionOf(item.Payload))

	require.NotNil(t, res.Log)
	assert.Equal(t, "rebase", res.Log.Resolution)
	assert.EqualValues(t, 2, res.Log.LocalVersion)
	assert.EqualValues(t, 5, res.Log.RemoteVersion)
	assert.Equal(t, t1.UnixNano(), res.Log.DetectedAt)
	assert.NotEmpty(t, res.Log.ID)
}

func TestResolve_StaleCreateRebasesAsUpdate(t *testing.T) {
	r := NewResolver()
	item := localItem(1, "dev_a", t0)
	item.OperationType = queue.OperationCreate

	res, err := r.Resolve(item, remoteDoc(3, "dev_b", t0))
	require.NoError(t, err)
	assert.Equal(t, DecisionRebase, res.Decision)
	assert.Equal(t, queue.OperationUpdate, res.OperationType)
}

func TestResolve_StaleDiscard(t *testing.T) {
	r := NewResolver(WithStalePolicy(StalePolicyDiscard))

	res, err := r.Resolve(localItem(1, "dev_a", t0), remoteDoc(3, "dev_b", t0))
	require.NoError(t, err)
	assert.Equal(t, DecisionDiscard, res.Decision)
	assert.Nil(t, res.Payload)
	assert.Contains(t, res.Reason, "remote version 3")
	assert.Equal(t, "discard", res.Log.Resolution)
}

func TestResolve_SameDeviceLocalNewer(t *testing.T) {
	r := NewResolver()

	res, err := r.Resolve(localItem(4, "dev_a", t1), remoteDoc(4, "dev_a", t0))
	require.NoError(t, err)
	assert.Equal(t, DecisionApplyLocal, res.Decision)
	assert.True(t, res.Redispatch())
	assert.EqualValues(t, 5, queue.VersionOf(res.Payload))
}

func TestResolve_SameDeviceRemoteNewer(t *testing.T) {
	r := NewResolver()

	res, err := r.Resolve(localItem(4, "dev_a", t0), remoteDoc(4, "dev_a", t1))
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, res.Decision)
	assert.False(t, res.Redispatch())
	assert.Equal(t, "skip", res.Log.Resolution)
}

func TestResolve_CrossDeviceManualByDefault(t *testing.T) {
	r := NewResolver()

	res, err := r.Resolve(localItem(4, "dev_a", t1), remoteDoc(4, "dev_b", t0))
	require.NoError(t, err)
	assert.Equal(t, DecisionManual, res.Decision)
	assert.Equal(t, "manual_review_required", res.Log.Resolution)
	assert.Equal(t, "dev_a", res.Log.LocalDeviceID)
	assert.Equal(t, "dev_b", res.Log.RemoteDeviceID)
}

func TestResolve_CrossDeviceFieldMerge(t *testing.T) {
	r := NewResolver(WithMergePolicy(FieldMergePolicy{}))

	res, err := r.Resolve(localItem(4, "dev_a", t0), remoteDoc(4, "dev_b", t0))
	require.NoError(t, err)
	assert.Equal(t, DecisionMerged, res.Decision)
	assert.EqualValues(t, 42, res.Payload["amount"])
	assert.Equal(t, "remote", res.Payload["note"])
	assert.EqualValues(t, 5, queue.VersionOf(res.Payload))
}

func TestResolve_CrossDeviceLastWriterWins(t *testing.T) {
	r := NewResolver(WithMergePolicy(LastWriterWinsPolicy{}))

	res, err := r.Resolve(localItem(4, "dev_a", t1), remoteDoc(4, "dev_b", t0))
	require.NoError(t, err)
	assert.Equal(t, DecisionMerged, res.Decision)

	res, err = r.Resolve(localItem(4, "dev_a", t0), remoteDoc(4, "dev_b", t1))
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, res.Decision)
}

type failingPolicy struct{}

func (failingPolicy) Name() string { return "failing" }
func (failingPolicy) Merge(*queue.Item, *remote.Document) (map[string]interface{}, error) {
	return nil, errors.New(errors.ErrInternal, "boom")
}

func TestResolve_MergePolicyError(t *testing.T) {
	r := NewResolver(WithMergePolicy(failingPolicy{}))

	_, err := r.Resolve(localItem(4, "dev_a", t0), remoteDoc(4, "dev_b", t0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSyncConflict))
}

func TestResolve_NilItem(t *testing.T) {
	_, err := NewResolver().Resolve(nil, remoteDoc(1, "dev_a", t0))
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

// =====================================================
// Merge Policy Tests
// =====================================================

func TestLastWriterWins_TieBreaksOnDevice(t *testing.T) {
	p := LastWriterWinsPolicy{}

	merged, err := p.Merge(localItem(1, "dev_b", t0), remoteDoc(1, "dev_a", t0))
	require.NoError(t, err)
	assert.NotNil(t, merged)

	merged, err = p.Merge(localItem(1, "dev_a", t0), remoteDoc(1, "dev_b", t0))
	require.NoError(t, err)
	assert.Nil(t, merged)
}

func TestFieldMerge_DeletedRemote(t *testing.T) {
	doc := remoteDoc(2, "dev_b", t0)
	doc.Deleted = true

	_, err := FieldMergePolicy{}.Merge(localItem(2, "dev_a", t0), doc)
	assert.True(t, errors.Is(err, errors.ErrMergeRequired))
}

func TestPolicyByName(t *testing.T) {
	for name, want := range map[string]string{
		"":               PolicyManual,
		"manual":         PolicyManual,
		"lastWriterWins": PolicyLastWriterWins,
		"fieldMerge":     PolicyFieldMerge,
	} {
		p, err := PolicyByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, p.Name())
	}

	_, err := PolicyByName("coinFlip")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}
