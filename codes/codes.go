package codes

const (
	CODE_SUCCESS           = 0
	CODE_ERR_UNKNOWN       = 1000
	CODE_ERR_BAD_PARAMS    = 1001
	CODE_ERR_REQFORMAT     = 1002
	CODE_ERR_OBJ_NOT_FOUND = 1004
	CODE_ERR_EXIST_OBJ     = 1005
	CODE_ERR_PROCESSING    = 1006
	CODE_ERR_SECURITY      = 1401
	CODE_ERR_QUEUE         = 1500
)

// 对外稳定的错误类别，客户端按 kind 判断是否可重试
const (
	KindInvalidArgument = "invalid-argument"
	KindUnauthenticated = "unauthenticated"
	KindNotFound        = "not-found"
	KindAlreadyExists   = "already-exists"
	KindInternal        = "internal"
)

var kindByCode = map[int]string{
	CODE_ERR_BAD_PARAMS:    KindInvalidArgument,
	CODE_ERR_REQFORMAT:     KindInvalidArgument,
	CODE_ERR_OBJ_NOT_FOUND: KindNotFound,
	CODE_ERR_EXIST_OBJ:     KindAlreadyExists,
	CODE_ERR_SECURITY:      KindUnauthenticated,
	CODE_ERR_UNKNOWN:       KindInternal,
	CODE_ERR_PROCESSING:    KindInternal,
	CODE_ERR_QUEUE:         KindInternal,
}

// Kind 返回 code 对应的错误类别；成功返回空串
func Kind(code int) string {
	if code == CODE_SUCCESS {
		return ""
	}
	if k, ok := kindByCode[code]; ok {
		return k
	}
	return KindInternal
}
