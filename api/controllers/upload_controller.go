package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/moyoez/chunkrecv/api/models"
	"github.com/moyoez/chunkrecv/receiver"
	"github.com/moyoez/chunkrecv/storage"
	"github.com/moyoez/chunkrecv/tool"
	"github.com/moyoez/chunkrecv/types"
)

type UploadController struct {
	handler types.ReceiverInterface
}

func NewUploadController(handler types.ReceiverInterface) *UploadController {
	return &UploadController{
		handler: handler,
	}
}

// HandleUpload accepts one file or one chunk in any supported wire convention.
func (ctrl *UploadController) HandleUpload(c *gin.Context) {
	raw, closer, err := models.ParseUploadRequest(c)
	if err != nil {
		tool.DefaultLogger.Errorf("[Upload] Failed to parse upload request: %v", err)
		if errors.Is(err, receiver.ErrInvalidChunkIndex) {
			respondUploadError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Invalid upload request"))
		return
	}
	defer closer.Close()

	outcome, err := ctrl.handler.Receive(c.Request.Context(), raw)
	if err != nil {
		respondUploadError(c, err)
		return
	}

	switch outcome.Kind {
	case types.NotUploaded:
		c.JSON(http.StatusBadRequest, tool.FastReturnErrorWithData("No file uploaded", map[string]any{"kind": outcome.Kind}))
	case types.Completed:
		tool.DefaultLogger.Infof("[Upload] Completed %s: %s", outcome.UploadID, outcome.Artifact.Path)
		c.JSON(http.StatusCreated, tool.FastReturnSuccessWithData(outcome))
	default:
		c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(outcome))
	}
}

// HandleChunkTest answers the resumable.js / flow.js testChunks probe:
// 200 when the chunk is already stored, 204 when it should be sent.
func (ctrl *UploadController) HandleChunkTest(c *gin.Context) {
	conv := models.DetectConvention(c)
	meta, err := models.ParseChunkMeta(c, conv)
	if err != nil || meta == nil || meta.Index == nil || meta.UploadID == "" {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Missing chunk parameters"))
		return
	}
	session, err := ctrl.handler.Status(c.Request.Context(), meta.UploadID)
	if err != nil {
		respondUploadError(c, err)
		return
	}
	if session.State == types.StateCompleted {
		c.Status(http.StatusOK)
		return
	}
	for _, idx := range session.Received {
		if idx == *meta.Index {
			c.Status(http.StatusOK)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (ctrl *UploadController) HandleStatus(c *gin.Context) {
	id := c.Param("id")
	session, err := ctrl.handler.Status(c.Request.Context(), id)
	if err != nil {
		respondUploadError(c, err)
		return
	}
	if session.State == types.StateAbsent {
		c.JSON(http.StatusNotFound, tool.FastReturnError("Upload not found"))
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(session))
}

// retryAfter is the back-off hinted to clients on transient storage or merge failures.
const retryAfter = 5 * time.Second

// respondUploadError maps receiver failures onto retry-or-abort responses.
func respondUploadError(c *gin.Context, err error) {
	var incomplete *receiver.IncompleteSetError
	switch {
	case errors.Is(err, receiver.ErrChunkTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, tool.FastReturnError(err.Error()))
	case errors.As(err, &incomplete):
		c.JSON(http.StatusConflict, tool.FastReturnErrorWithData(err.Error(), map[string]any{
			"missing": incomplete.Missing,
			"total":   incomplete.Total,
		}))
	case errors.Is(err, receiver.ErrInvalidChunkIndex), errors.Is(err, receiver.ErrInvalidUploadID):
		c.JSON(http.StatusBadRequest, tool.FastReturnError(err.Error()))
	case errors.Is(err, receiver.ErrAbandoned):
		c.JSON(http.StatusGone, tool.FastReturnError(err.Error()))
	case errors.Is(err, receiver.ErrChecksumMismatch):
		c.JSON(http.StatusUnprocessableEntity, tool.FastReturnError(err.Error()))
	case errors.Is(err, storage.ErrMissingChunk):
		tool.DefaultLogger.Errorf("[Upload] Chunk storage inconsistent: %v", err)
		c.JSON(http.StatusInternalServerError, tool.FastReturnError(err.Error()))
	case receiver.IsRetryable(err):
		tool.DefaultLogger.Warnf("[Upload] Retryable failure: %v", err)
		tool.FastReturnRetry(c, http.StatusServiceUnavailable, err.Error(), retryAfter)
	default:
		tool.DefaultLogger.Errorf("[Upload] %v", err)
		c.JSON(http.StatusInternalServerError, tool.FastReturnError("Internal server error"))
	}
}
