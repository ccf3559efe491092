package maps

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"planet/api/api/common"
	"planet/api/api/interceptor"
	"planet/api/codes"
	"planet/api/log"
	"planet/api/model"
	"planet/api/service"
)

// MapController 写路径，挂在 /auth 下
type MapController struct {
	maps  *service.MapService
	saver *service.MapSaveService
}

func NewMapController(maps *service.MapService, saver *service.MapSaveService) *MapController {
	return &MapController{maps: maps, saver: saver}
}

func reply(c *gin.Context, res common.Response, err error) {
	if errors.Is(err, errNotOwner) {
		res.Fail(codes.CODE_ERR_SECURITY, err.Error())
	} else if err != nil {
		res.FailErr(err)
		if res.Code == codes.CODE_ERR_UNKNOWN || res.Code == codes.CODE_ERR_QUEUE {
			log.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		}
	}
	c.JSON(http.StatusOK, res)
}

// POST /auth/maps
func (h *MapController) Create(c *gin.Context) {
	res := common.Response{Timestamp: time.Now().Unix()}
	var req model.CreateMapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		res.Fail(codes.CODE_ERR_REQFORMAT, "invalid json body: "+err.Error())
		c.JSON(http.StatusOK, res)
		return
	}
	meta, err := h.maps.CreateMap(c.Request.Context(), req, interceptor.UserID(c))
	if err == nil {
		res.Success(meta)
	}
	reply(c, res, err)
}

// POST /auth/maps/:mapId/save
// Body: model.SaveRequest；path 里的 mapId 优先
func (h *MapController) Save(c *gin.Context) {
	res := common.Response{Timestamp: time.Now().Unix()}
	var req model.SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		res.Fail(codes.CODE_ERR_REQFORMAT, "invalid json body: "+err.Error())
		c.JSON(http.StatusOK, res)
		return
	}
	if id := strings.TrimSpace(c.Param("mapId")); id != "" {
		if req.MapID != "" && req.MapID != id {
			res.Fail(codes.CODE_ERR_BAD_PARAMS, "mapId in body does not match path")
			c.JSON(http.StatusOK, res)
			return
		}
		req.MapID = id
	}
	if err := h.checkOwner(c, req.MapID); err != nil {
		reply(c, res, err)
		return
	}
	result, err := h.saver.Save(c.Request.Context(), req, interceptor.UserID(c))
	if err == nil {
		res.Success(result)
	}
	reply(c, res, err)
}

// DELETE /auth/maps/:mapId
func (h *MapController) Delete(c *gin.Context) {
	res := common.Response{Timestamp: time.Now().Unix()}
	mapID := strings.TrimSpace(c.Param("mapId"))
	if err := h.checkOwner(c, mapID); err != nil {
		reply(c, res, err)
		return
	}
	err := h.maps.DeleteMap(c.Request.Context(), mapID)
	if err == nil {
		res.Success(gin.H{"mapId": mapID})
	}
	reply(c, res, err)
}

var errNotOwner = errors.New("map belongs to another user")

// checkOwner 地图不存在时放行（save 可以新建），有 owner 时必须是本人
func (h *MapController) checkOwner(c *gin.Context, mapID string) error {
	if mapID == "" {
		return nil
	}
	view, err := h.maps.GetMap(c.Request.Context(), mapID)
	if errors.Is(err, service.ErrMapNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner := view.Meta.OwnerID; owner != "" && owner != interceptor.UserID(c) {
		return errNotOwner
	}
	return nil
}
