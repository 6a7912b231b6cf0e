// Package idempotency derives deterministic identities for queue items.
//
// An operation id is a pure function of (userId, collection, documentId,
// operationType, timestamp bucket). Repeated enqueue attempts for the same
// logical change inside one bucket therefore collapse onto a single row.
package idempotency

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"time"
)

// Domain prefixes keep ids of different kinds from colliding.
const (
	DomainOperation = "ledgersync/operation/v1"
	DomainStep      = "ledgersync/step/v1"
	DomainPayload   = "ledgersync/payload/v1"
)

// DefaultBucket is the timestamp granularity used by Generate.
const DefaultBucket = time.Second

// Generator derives operation ids with a fixed timestamp bucket.
type Generator struct {
	Bucket time.Duration
}

// NewGenerator creates a Generator. A non-positive bucket falls back to DefaultBucket.
func NewGenerator(bucket time.Duration) *Generator {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	return &Generator{Bucket: bucket}
}

var defaultGenerator = NewGenerator(DefaultBucket)

// Generate derives an operation id using DefaultBucket.
func Generate(userID, collection, documentID, operationType string, ts time.Time) string {
	return defaultGenerator.Generate(userID, collection, documentID, operationType, ts)
}

// Generate derives the operation id for one logical change.
func (g *Generator) Generate(userID, collection, documentID, operationType string, ts time.Time) string {
	h := newDomainHash(DomainOperation)
	writeField(h, userID)
	writeField(h, collection)
	writeField(h, documentID)
	writeField(h, operationType)
	writeInt(h, g.bucketIndex(ts))
	return "op_" + hex.EncodeToString(h.Sum(nil))
}

// StepID derives the id of one step of a multi-step operation.
// It depends only on the parent id and step number, so re-materializing
// a workflow after a restart yields the same ids.
func (g *Generator) StepID(parentOperationID string, step int) string {
	h := newDomainHash(DomainStep)
	writeField(h, parentOperationID)
	writeInt(h, int64(step))
	return "op_" + hex.EncodeToString(h.Sum(nil))
}

// OperationGroupID derives the parent id of a multi-step operation.
func (g *Generator) OperationGroupID(userID, name string, ts time.Time) string {
	h := newDomainHash(DomainStep)
	writeField(h, userID)
	writeField(h, name)
	writeInt(h, g.bucketIndex(ts))
	return "mso_" + hex.EncodeToString(h.Sum(nil))[:32]
}

func (g *Generator) bucketIndex(ts time.Time) int64 {
	bucket := g.Bucket
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	n := ts.UnixNano()
	idx := n / int64(bucket)
	// Floor division so pre-epoch timestamps bucket consistently.
	if n < 0 && n%int64(bucket) != 0 {
		idx--
	}
	return idx
}

// PayloadHash fingerprints a payload. encoding/json sorts map keys, which
// makes the encoding canonical for the JSON value space.
func PayloadHash(payload map[string]interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("PayloadHash: failed to marshal: %w", err)
	}
	h := newDomainHash(DomainPayload)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// newDomainHash starts SHA256(domain + 0x00 + ...).
func newDomainHash(domain string) hash.Hash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	return h
}

// writeField writes a length-prefixed string so field boundaries are unambiguous.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func writeInt(h hash.Hash, v int64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(v))
	h.Write(n[:])
}
