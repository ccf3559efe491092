package http

import (
	"github.com/gin-gonic/gin"

	"planet/api/api/http/controller/home"
	"planet/api/api/http/controller/maps"
	"planet/api/api/http/controller/tasks"
	"planet/api/api/interceptor"
	"planet/api/config"
	"planet/api/service"
	"planet/api/service/mappkg"
)

// Deps 路由需要的服务，main 里组装
type Deps struct {
	Maps      *service.MapService
	Saver     *service.MapSaveService
	Tasks     *service.TileTaskService
	Assembler *mappkg.MapAssembler
	Auth      config.AuthConfig
	// IDTokenValidator 为空时用 idtoken.Validate
	IDTokenValidator interceptor.IDTokenValidator
}

func Routers(e *gin.RouterGroup, d Deps) {
	mapCtl := home.NewMapController(d.Maps, d.Assembler)

	homeGroup := e.Group("/maps")
	homeGroup.GET("/by-name/:name", mapCtl.GetMapByName)
	homeGroup.GET("/:mapId", mapCtl.GetMap)
	homeGroup.GET("/:mapId/chunks/:chunkId", mapCtl.GetChunk)
	homeGroup.POST("/:mapId/chunks", mapCtl.GetChunks)
	homeGroup.POST("/:mapId/viewport", mapCtl.Viewport)
	homeGroup.POST("/:mapId/snapshot", mapCtl.Snapshot)

	editCtl := maps.NewMapController(d.Maps, d.Saver)
	authGroup := e.Group("/auth", interceptor.TokenInterceptor([]byte(d.Auth.JWTSecret)))
	authGroup.POST("/maps", editCtl.Create)
	authGroup.POST("/maps/:mapId/save", editCtl.Save)
	authGroup.DELETE("/maps/:mapId", editCtl.Delete)

	taskCtl := tasks.NewTaskController(d.Tasks)
	taskGroup := e.Group("/tasks", interceptor.TaskInterceptor(d.Auth, d.IDTokenValidator))
	taskGroup.POST("/map-tile", taskCtl.MapTile)
}
