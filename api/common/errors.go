package common

import (
	"context"
	"errors"

	"planet/api/codes"
	"planet/api/service"
	"planet/api/tile"
)

// CodeOf 把 service 层错误翻译成对外的 code，kind 由 codes.Kind 得出
func CodeOf(err error) int {
	var ve *service.ValidationError
	switch {
	case err == nil:
		return codes.CODE_SUCCESS
	case errors.As(err, &ve), errors.Is(err, tile.ErrInvalidChunkSize):
		return codes.CODE_ERR_BAD_PARAMS
	case errors.Is(err, service.ErrMapNotFound), errors.Is(err, service.ErrChunkNotFound):
		return codes.CODE_ERR_OBJ_NOT_FOUND
	case errors.Is(err, service.ErrMapExists):
		return codes.CODE_ERR_EXIST_OBJ
	case errors.Is(err, service.ErrSessionCommitted):
		return codes.CODE_ERR_PROCESSING
	case errors.Is(err, service.ErrQueueDispatch):
		return codes.CODE_ERR_QUEUE
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return codes.CODE_ERR_PROCESSING
	}
	return codes.CODE_ERR_UNKNOWN
}

// FailErr 按错误类型填充 code；内部错误不把原始信息透出去
func (r *Response) FailErr(err error) {
	code := CodeOf(err)
	msg := err.Error()
	if code == codes.CODE_ERR_UNKNOWN {
		msg = "internal error"
	}
	r.Fail(code, msg)
}
