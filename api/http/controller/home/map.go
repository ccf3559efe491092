package home

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"planet/api/api/common"
	"planet/api/codes"
	"planet/api/log"
	"planet/api/model"
	"planet/api/service"
	"planet/api/service/mappkg"
)

// 单次批量取 chunk 的上限
const maxBatchChunks = 500

// MapController 读路径，不需要登录
type MapController struct {
	maps      *service.MapService
	assembler *mappkg.MapAssembler
}

func NewMapController(maps *service.MapService, assembler *mappkg.MapAssembler) *MapController {
	return &MapController{maps: maps, assembler: assembler}
}

func newRes() common.Response {
	return common.Response{Timestamp: time.Now().Unix(), Code: codes.CODE_SUCCESS, Msg: "success"}
}

func fail(c *gin.Context, res common.Response, err error) {
	res.FailErr(err)
	if res.Code == codes.CODE_ERR_UNKNOWN {
		log.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(http.StatusOK, res)
}

func badParams(c *gin.Context, res common.Response, msg string) {
	res.Fail(codes.CODE_ERR_BAD_PARAMS, msg)
	c.JSON(http.StatusOK, res)
}

// GET /maps/:mapId
func (h *MapController) GetMap(c *gin.Context) {
	res := newRes()
	mapID := strings.TrimSpace(c.Param("mapId"))
	if mapID == "" {
		badParams(c, res, "mapId is required")
		return
	}
	view, err := h.maps.GetMap(c.Request.Context(), mapID)
	if err != nil {
		fail(c, res, err)
		return
	}
	res.Data = view
	c.JSON(http.StatusOK, res)
}

// GET /maps/by-name/:name
func (h *MapController) GetMapByName(c *gin.Context) {
	res := newRes()
	name := strings.TrimSpace(c.Param("name"))
	if name == "" {
		badParams(c, res, "name is required")
		return
	}
	view, err := h.maps.GetMapByName(c.Request.Context(), name)
	if err != nil {
		fail(c, res, err)
		return
	}
	res.Data = view
	c.JSON(http.StatusOK, res)
}

// GET /maps/:mapId/chunks/:chunkId
func (h *MapController) GetChunk(c *gin.Context) {
	res := newRes()
	mapID, chunkID := c.Param("mapId"), c.Param("chunkId")
	if mapID == "" || chunkID == "" {
		badParams(c, res, "mapId and chunkId are required")
		return
	}
	doc, err := h.maps.GetChunk(c.Request.Context(), mapID, chunkID)
	if err != nil {
		fail(c, res, err)
		return
	}
	res.Data = doc
	c.JSON(http.StatusOK, res)
}

// POST /maps/:mapId/chunks
// Body: {"ids": ["0_0", "1_0"]}；不存在的 id 放在 missing 里
func (h *MapController) GetChunks(c *gin.Context) {
	res := newRes()
	mapID := c.Param("mapId")
	var req model.ChunksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badParams(c, res, "invalid json body: "+err.Error())
		return
	}
	if len(req.IDs) > maxBatchChunks {
		badParams(c, res, "too many chunk ids")
		return
	}
	docs, err := h.maps.GetChunks(c.Request.Context(), mapID, req.IDs)
	if err != nil {
		fail(c, res, err)
		return
	}
	found := make(map[string]bool, len(docs))
	for _, d := range docs {
		found[d.ID] = true
	}
	out := model.ChunksResponse{Chunks: docs}
	if out.Chunks == nil {
		out.Chunks = []*model.ChunkDoc{}
	}
	for _, id := range req.IDs {
		if !found[id] {
			out.Missing = append(out.Missing, id)
		}
	}
	res.Data = out
	c.JSON(http.StatusOK, res)
}

// POST /maps/:mapId/viewport
// Body: model.ViewportRequest；bbox 单位是 tile，known 里 rev 相同的块只回 id
func (h *MapController) Viewport(c *gin.Context) {
	res := newRes()
	mapID := c.Param("mapId")
	var req model.ViewportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badParams(c, res, "invalid json body: "+err.Error())
		return
	}
	bbox := service.ExpandBBox(req.BBox, req.Margin)
	vp, err := h.maps.LoadViewport(c.Request.Context(), mapID, bbox, req.Known)
	if err != nil {
		fail(c, res, err)
		return
	}
	res.Data = vp
	c.JSON(http.StatusOK, res)
}
