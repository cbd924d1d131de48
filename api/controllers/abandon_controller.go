package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moyoez/chunkrecv/tool"
	"github.com/moyoez/chunkrecv/types"
)

type AbandonController struct {
	handler types.ReceiverInterface
}

func NewAbandonController(handler types.ReceiverInterface) *AbandonController {
	return &AbandonController{
		handler: handler,
	}
}

func (ctrl *AbandonController) HandleAbandon(c *gin.Context) {
	id := c.Param("id")
	tool.DefaultLogger.Infof("[Abandon] Received abandon request: uploadId=%s", id)

	if err := ctrl.handler.Abandon(c.Request.Context(), id); err != nil {
		tool.DefaultLogger.Errorf("[Abandon] Failed to abandon %s: %v", id, err)
		respondUploadError(c, err)
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccess())
}
