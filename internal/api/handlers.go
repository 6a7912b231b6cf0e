package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/ledgersync/internal/errors"
	syncpkg "github.com/kimhsiao/ledgersync/internal/sync"
	"github.com/kimhsiao/ledgersync/internal/sync/multistep"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

// ItemView is the JSON form of a queue item.
type ItemView struct {
	OperationID       string                 `json:"operationId"`
	OperationType     queue.OperationType    `json:"operationType"`
	TargetCollection  string                 `json:"targetCollection"`
	DocumentID        string                 `json:"documentId"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
	PayloadHash       string                 `json:"payloadHash"`
	Status            queue.Status           `json:"status"`
	RetryCount        int                    `json:"retryCount"`
	LastError         string                 `json:"lastError,omitempty"`
	Priority          int                    `json:"priority"`
	OwnerID           string                 `json:"ownerId"`
	ParentOperationID string                 `json:"parentOperationId,omitempty"`
	StepNumber        int                    `json:"stepNumber,omitempty"`
	TotalSteps        int                    `json:"totalSteps,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
	LastAttemptAt     *time.Time             `json:"lastAttemptAt,omitempty"`
	NextAttemptAt     time.Time              `json:"nextAttemptAt"`
}

// NewItemView converts a queue item.
func NewItemView(item *queue.Item) ItemView {
	return ItemView{
		OperationID:       item.OperationID,
		OperationType:     item.OperationType,
		TargetCollection:  item.TargetCollection,
		DocumentID:        item.DocumentID,
		Payload:           item.Payload,
		PayloadHash:       item.PayloadHash,
		Status:            item.Status,
		RetryCount:        item.RetryCount,
		LastError:         item.LastError,
		Priority:          item.Priority,
		OwnerID:           item.OwnerID,
		ParentOperationID: item.ParentOperationID,
		StepNumber:        item.StepNumber,
		TotalSteps:        item.TotalSteps,
		CreatedAt:         item.CreatedAt,
		UpdatedAt:         item.UpdatedAt,
		LastAttemptAt:     item.LastAttemptAt,
		NextAttemptAt:     item.NextAttemptAt,
	}
}

func itemViews(items []*queue.Item) []ItemView {
	out := make([]ItemView, 0, len(items))
	for _, item := range items {
		out = append(out, NewItemView(item))
	}
	return out
}

// GET /healthz
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"mode":   s.orch.Mode().String(),
		"state":  s.orch.Status(),
	})
}

// POST /v1/queue
func (s *Server) enqueue(c *gin.Context) {
	var req syncpkg.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Wrap(errors.ErrValidation, "invalid request body", err))
		return
	}

	id, err := s.orch.Enqueue(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"operationId": id, "status": queue.StatusPending})
}

// GET /v1/queue/:id
func (s *Server) getItem(c *gin.Context) {
	item, err := s.orch.Item(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewItemView(item))
}

// operationRequest is the body of POST /v1/operations.
type operationRequest struct {
	OwnerID      string           `json:"ownerId"`
	Name         string           `json:"name"`
	BasePriority int              `json:"basePriority"`
	Steps        []multistep.Step `json:"steps"`
}

// POST /v1/operations
func (s *Server) submitOperation(c *gin.Context) {
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Wrap(errors.ErrValidation, "invalid request body", err))
		return
	}

	op, err := multistep.New(req.OwnerID, req.Name, req.BasePriority, time.Now(), req.Steps...)
	if err != nil {
		writeError(c, err)
		return
	}
	ids, err := s.orch.SubmitOperation(c.Request.Context(), op)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"operationId": op.ID,
		"steps":       ids,
		"totalSteps":  op.TotalSteps(),
	})
}

// GET /v1/stats
func (s *Server) stats(c *gin.Context) {
	stats, err := s.orch.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GET /v1/deadletters?owner=
func (s *Server) listDeadLetters(c *gin.Context) {
	items, err := s.orch.ListDeadLetters(c.Request.Context(), c.Query("owner"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": itemViews(items), "count": len(items)})
}

// POST /v1/deadletters/:id/requeue
func (s *Server) requeue(c *gin.Context) {
	item, err := s.orch.RequeueDeadLetter(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewItemView(item))
}

// GET /v1/conflicts?owner=&limit=
func (s *Server) listConflicts(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(c, errors.Newf(errors.ErrValidation, "invalid limit %q", v))
			return
		}
		limit = n
	}

	conflicts, err := s.orch.Conflicts(c.Request.Context(), c.Query("owner"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts, "count": len(conflicts)})
}

// POST /v1/sync
func (s *Server) syncNow(c *gin.Context) {
	result, err := s.orch.SyncNow(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// POST /v1/purge?olderThan=24h
func (s *Server) purge(c *gin.Context) {
	olderThan := 24 * time.Hour
	if v := c.Query("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(c, errors.Newf(errors.ErrValidation, "invalid olderThan %q", v))
			return
		}
		olderThan = d
	}

	n, err := s.orch.Purge(c.Request.Context(), olderThan)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

// GET /v1/background
func (s *Server) backgroundStatus(c *gin.Context) {
	if s.background == nil {
		writeError(c, errors.New(errors.ErrNotFound, "background trigger not configured"))
		return
	}
	c.JSON(http.StatusOK, s.background.GetStatus())
}

// POST /v1/background/trigger
func (s *Server) backgroundTrigger(c *gin.Context) {
	if s.background == nil {
		writeError(c, errors.New(errors.ErrNotFound, "background trigger not configured"))
		return
	}
	rec, err := s.background.TriggerNow(c.Request.Context())
	if err != nil && rec.Timestamp.IsZero() {
		// The pass never started: disabled, offline or already running.
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": errors.CodeOf(err)})
		return
	}
	c.JSON(http.StatusOK, rec)
}
