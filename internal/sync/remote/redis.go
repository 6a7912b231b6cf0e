package remote

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

// DefaultKeyPrefix namespaces every key the Redis adapter writes.
const DefaultKeyPrefix = "ledgersync:"

// Redis stores documents as hashes and applies each dispatch under an
// optimistic WATCH/MULTI transaction.
//
// Keys, all scoped by owner:
//
//	{prefix}doc:{owner}:{collection}:{id}   hash of the document
//	{prefix}applied:{owner}                 set of applied operation ids
//	{prefix}index:{owner}:{collection}      zset of document ids scored by updatedAt (ms)
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisOptions configures NewRedisClient.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(errors.ErrSyncTransient, "redis connect failed", err)
	}
	return rdb, nil
}

// NewRedis creates a Redis adapter. An empty prefix uses DefaultKeyPrefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) docKey(owner, collection, id string) string {
	return fmt.Sprintf("%sdoc:%s:%s:%s", r.prefix, owner, collection, id)
}

func (r *Redis) appliedKey(owner string) string {
	return r.prefix + "applied:" + owner
}

func (r *Redis) indexKey(owner, collection string) string {
	return fmt.Sprintf("%sindex:%s:%s", r.prefix, owner, collection)
}

// encodeError marks failures that will never succeed on retry.
type encodeError struct{ err error }

func (e *encodeError) Error() string { return e.err.Error() }
func (e *encodeError) Unwrap() error { return e.err }

// Dispatch implements Adapter.
func (r *Redis) Dispatch(ctx context.Context, req Request) Outcome {
	if req.OwnerID == "" {
		return Permanent(errors.New(errors.ErrValidation, "owner id is required"))
	}

	docKey := r.docKey(req.OwnerID, req.Collection, req.DocumentID)
	appliedKey := r.appliedKey(req.OwnerID)

	var out Outcome
	txf := func(tx *redis.Tx) error {
		applied, err := tx.SIsMember(ctx, appliedKey, req.OperationID).Result()
		if err != nil {
			return err
		}
		if applied {
			out = Success()
			return nil
		}

		fields, err := tx.HGetAll(ctx, docKey).Result()
		if err != nil {
			return err
		}
		existing, err := decodeDocument(fields)
		if err != nil {
			return &encodeError{err}
		}
		if !Accepts(req, existing) {
			out = Conflict(existing)
			return nil
		}

		doc := DocumentFromPayload(req, r.now())
		if req.OperationType == queue.OperationDelete {
			doc = tombstone(req, existing, r.now())
		}
		encoded, err := encodeDocument(doc)
		if err != nil {
			return &encodeError{err}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, docKey, encoded)
			pipe.SAdd(ctx, appliedKey, req.OperationID)
			pipe.ZAdd(ctx, r.indexKey(req.OwnerID, req.Collection), redis.Z{
				Score:  float64(doc.UpdatedAt.UnixMilli()),
				Member: req.DocumentID,
			})
			return nil
		})
		if err == nil {
			out = Success()
		}
		return err
	}

	err := r.client.Watch(ctx, txf, docKey, appliedKey)
	if err != nil {
		var encErr *encodeError
		switch {
		case stderrors.As(err, &encErr):
			return Permanent(errors.Wrap(errors.ErrSyncPermanent, "document encoding failed", encErr.err))
		case stderrors.Is(err, redis.TxFailedErr):
			logging.Debug("Redis transaction lost a race", map[string]interface{}{
				"operation_id": req.OperationID,
				"document_id":  req.DocumentID,
			})
			return Transient(errors.Wrap(errors.ErrSyncTransient, "concurrent write", err))
		default:
			return Transient(errors.Wrap(errors.ErrSyncTransient, "redis dispatch failed", err))
		}
	}
	return out
}

// Get returns the stored document, or nil when absent.
func (r *Redis) Get(ctx context.Context, owner, collection, id string) (*Document, error) {
	fields, err := r.client.HGetAll(ctx, r.docKey(owner, collection, id)).Result()
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncTransient, "redis read failed", err)
	}
	return decodeDocument(fields)
}

// Pull returns the owner's documents in collection updated after since, oldest first.
func (r *Redis) Pull(ctx context.Context, owner, collection string, since time.Time) ([]*Document, error) {
	if owner == "" {
		return nil, errors.New(errors.ErrValidation, "owner id is required")
	}

	ids, err := r.client.ZRangeByScore(ctx, r.indexKey(owner, collection), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncTransient, "redis index read failed", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.docKey(owner, collection, id))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncTransient, "redis pull failed", err)
	}

	docs := make([]*Document, 0, len(ids))
	for _, cmd := range cmds {
		doc, err := decodeDocument(cmd.Val())
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// encodeDocument flattens a document into hash fields.
func encodeDocument(doc *Document) (map[string]interface{}, error) {
	payload, err := json.Marshal(doc.Payload)
	if err != nil {
		return nil, err
	}
	deleted := "0"
	if doc.Deleted {
		deleted = "1"
	}
	return map[string]interface{}{
		"owner_id":    doc.OwnerID,
		"collection":  doc.Collection,
		"document_id": doc.DocumentID,
		"payload":     string(payload),
		"version":     strconv.FormatInt(doc.Version, 10),
		"device_id":   doc.DeviceID,
		"updated_at":  doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"deleted":     deleted,
	}, nil
}

// decodeDocument rebuilds a document from hash fields. An empty hash is nil.
func decodeDocument(fields map[string]string) (*Document, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	doc := &Document{
		OwnerID:    fields["owner_id"],
		Collection: fields["collection"],
		DocumentID: fields["document_id"],
		DeviceID:   fields["device_id"],
		Deleted:    fields["deleted"] == "1",
	}
	if raw := fields["payload"]; raw != "" && raw != "null" {
		payload, err := queue.DecodePayload([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		doc.Payload = payload
	}
	if v := fields["version"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode version: %w", err)
		}
		doc.Version = n
	}
	if ts := fields["updated_at"]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to decode updated_at: %w", err)
		}
		doc.UpdatedAt = t
	}
	return doc, nil
}
