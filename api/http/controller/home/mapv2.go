package home

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"planet/api/model"
)

type snapshotRequest struct {
	BBox *model.BBox `json:"bbox,omitempty"` // 为空=全图
}

// POST /maps/:mapId/snapshot
// 返回拼好的全部 tile，按 (y, x, layer) 排序
func (h *MapController) Snapshot(c *gin.Context) {
	res := newRes()
	mapID := c.Param("mapId")

	var req snapshotRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badParams(c, res, "invalid json body: "+err.Error())
			return
		}
	}

	snap, err := h.assembler.BuildSnapshot(c.Request.Context(), mapID, req.BBox)
	if err != nil {
		fail(c, res, err)
		return
	}
	res.Data = snap
	c.JSON(http.StatusOK, res)
}
