package multistep

import (
	"time"

	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

// Collections written by the scan workflow.
const (
	CollectionScans       = "scans"
	CollectionExtractions = "extractions"
	CollectionDrafts      = "drafts"
)

// ScanDocumentName names the scan workflow.
const ScanDocumentName = "scan_document"

// ScanDocumentWorkflow builds the scan, extract, draft pipeline:
//
//  1. upload_file  scans/{scanID}        the captured image
//  2. create       extractions/{scanID}  the structured data read from it
//  3. create       drafts/{scanID}       the draft business record
func ScanDocumentWorkflow(ownerID, scanID, localPath string, extracted, draft map[string]interface{}, basePriority int, createdAt time.Time) (*Operation, error) {
	extraction := queue.ClonePayload(extracted)
	if extraction == nil {
		extraction = map[string]interface{}{}
	}
	extraction["scanId"] = scanID

	record := queue.ClonePayload(draft)
	if record == nil {
		record = map[string]interface{}{}
	}
	record["scanId"] = scanID
	record["status"] = "draft"

	return New(ownerID, ScanDocumentName, basePriority, createdAt,
		Step{
			OperationType:    queue.OperationUploadFile,
			TargetCollection: CollectionScans,
			DocumentID:       scanID,
			Payload:          map[string]interface{}{queue.PayloadKeyLocalPath: localPath},
		},
		Step{
			OperationType:    queue.OperationCreate,
			TargetCollection: CollectionExtractions,
			DocumentID:       scanID,
			Payload:          extraction,
		},
		Step{
			OperationType:    queue.OperationCreate,
			TargetCollection: CollectionDrafts,
			DocumentID:       scanID,
			Payload:          record,
		},
	)
}
