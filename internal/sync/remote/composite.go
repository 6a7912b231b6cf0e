package remote

import (
	"context"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

// Composite routes file uploads through a blob store before recording their
// metadata document. Every other operation goes straight to Docs.
type Composite struct {
	Docs  Adapter
	Blobs BlobUploader
}

// Dispatch implements Adapter.
func (c *Composite) Dispatch(ctx context.Context, req Request) Outcome {
	if req.OperationType != queue.OperationUploadFile {
		return c.Docs.Dispatch(ctx, req)
	}
	if c.Blobs == nil {
		return Permanent(errors.New(errors.ErrSyncPermanent, "no blob store configured for file uploads"))
	}

	ref, err := c.Blobs.Upload(ctx, req)
	if err != nil {
		return classify(err)
	}

	meta := make(map[string]interface{}, len(req.Payload)+3)
	for k, v := range req.Payload {
		meta[k] = v
	}
	meta[PayloadKeyObjectKey] = ref.ObjectKey
	meta[PayloadKeySize] = ref.Size
	meta[PayloadKeySHA256] = ref.SHA256

	docReq := req
	docReq.OperationType = queue.OperationCreate
	docReq.Payload = meta
	return c.Docs.Dispatch(ctx, docReq)
}

// classify maps an error onto a failure outcome by its code.
func classify(err error) Outcome {
	if errors.CodeOf(err).Retryable() {
		return Transient(err)
	}
	return Permanent(err)
}
