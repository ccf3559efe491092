package tasks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"planet/api/api/common"
	"planet/api/codes"
	"planet/api/log"
	"planet/api/model"
	"planet/api/service"
)

type TaskController struct {
	tasks *service.TileTaskService
}

func NewTaskController(tasks *service.TileTaskService) *TaskController {
	return &TaskController{tasks: tasks}
}

// POST /tasks/map-tile
// 队列按 HTTP 状态决定是否重投：请求本身有问题回 400（不重投），其它错误回 500
func (h *TaskController) MapTile(c *gin.Context) {
	res := common.Response{Timestamp: time.Now().Unix()}
	var task model.TileTask
	if err := c.ShouldBindJSON(&task); err != nil {
		res.Fail(codes.CODE_ERR_REQFORMAT, "invalid task body: "+err.Error())
		c.JSON(http.StatusBadRequest, res)
		return
	}

	result, err := h.tasks.Process(c.Request.Context(), &task)
	if err != nil {
		res.FailErr(err)
		var ve *service.ValidationError
		if errors.As(err, &ve) {
			log.Warnf("map tile task %s/%s rejected: %v", task.MapID, task.ChunkID, err)
			c.JSON(http.StatusBadRequest, res)
			return
		}
		log.Errorf("map tile task %s/%s failed: %v", task.MapID, task.ChunkID, err)
		c.JSON(http.StatusInternalServerError, res)
		return
	}
	res.Success(result)
	c.JSON(http.StatusOK, res)
}
