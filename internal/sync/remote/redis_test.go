package remote

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

func TestRedis_Keys(t *testing.T) {
	r := NewRedis(nil, "")
	assert.Equal(t, "ledgersync:doc:biz_1:invoices:inv_1", r.docKey("biz_1", "invoices", "inv_1"))
	assert.Equal(t, "ledgersync:applied:biz_1", r.appliedKey("biz_1"))
	assert.Equal(t, "ledgersync:index:biz_1:invoices", r.indexKey("biz_1", "invoices"))

	custom := NewRedis(nil, "t:")
	assert.Equal(t, "t:applied:biz_1", custom.appliedKey("biz_1"))
}

func TestRedis_DocumentEncoding(t *testing.T) {
	doc := &Document{
		OwnerID:    "biz_1",
		Collection: "invoices",
		DocumentID: "inv_1",
		Payload:    map[string]interface{}{"amount": json.Number("12")},
		Version:    7,
		DeviceID:   "dev_a",
		UpdatedAt:  base,
		Deleted:    true,
	}

	fields, err := encodeDocument(doc)
	require.NoError(t, err)

	strs := make(map[string]string, len(fields))
	for k, v := range fields {
		strs[k] = v.(string)
	}
	got, err := decodeDocument(strs)
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	empty, err := decodeDocument(map[string]string{})
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = decodeDocument(map[string]string{"version": "x"})
	assert.Error(t, err)
}

// TestRedis_Integration runs against a live server when SYNCD_TEST_REDIS_ADDR is set.
func TestRedis_Integration(t *testing.T) {
	addr := os.Getenv("SYNCD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SYNCD_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	client, err := NewRedisClient(ctx, RedisOptions{Addr: addr})
	require.NoError(t, err)
	defer client.Close()

	prefix := "ledgersync-test:" + time.Now().Format("150405.000000") + ":"
	r := NewRedis(client, prefix)
	defer func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	}()

	create := req("op_1", queue.OperationCreate, 1, "dev_a")
	require.Equal(t, OutcomeSuccess, r.Dispatch(ctx, create).Kind)
	assert.Equal(t, OutcomeSuccess, r.Dispatch(ctx, create).Kind, "replay must be a no-op")

	out := r.Dispatch(ctx, req("op_2", queue.OperationUpdate, 1, "dev_b"))
	require.Equal(t, OutcomeConflict, out.Kind)
	assert.EqualValues(t, 1, out.Remote.Version)

	require.Equal(t, OutcomeSuccess, r.Dispatch(ctx, req("op_3", queue.OperationDelete, 2, "dev_a")).Kind)
	doc, err := r.Get(ctx, "biz_1", "invoices", "inv_1")
	require.NoError(t, err)
	assert.True(t, doc.Deleted)

	docs, err := r.Pull(ctx, "biz_1", "invoices", base.Add(-time.Second))
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}
