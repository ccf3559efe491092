// Package queue dispatches tile write tasks to the task processor.
package queue

import (
	"context"
	"strconv"

	"planet/api/model"

	"github.com/google/uuid"
)

// Queue at-least-once 投递；Enqueue 返回 nil 表示任务已经持久化
type Queue interface {
	Enqueue(ctx context.Context, task *model.TileTask) error
	// Ref 队列的完整名字，save 结果里原样返回
	Ref() string
}

// Handler 处理一个任务；返回 backoff.Permanent 包装的错误时不再重试
type Handler func(ctx context.Context, task *model.TileTask) error

// TaskKey 同一 generation 的同一 slice 得到同一个 key
func TaskKey(t *model.TileTask) string {
	return t.MapID + "/" + t.ChunkID + "/" + strconv.FormatInt(t.Generation, 10) + "/" + strconv.Itoa(t.SliceIndex)
}

// TaskID 由 TaskKey 派生的确定性 id，满足 Cloud Tasks 的命名字符集
func TaskID(t *model.TileTask) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("planet:"+TaskKey(t))).String()
}
