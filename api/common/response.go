package common

import "planet/api/codes"

type Response struct {
	Code      int         `json:"code"`
	Kind      string      `json:"kind,omitempty"`
	Msg       string      `json:"msg"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Fail 填充错误码、类别与信息
func (r *Response) Fail(code int, msg string) {
	r.Code = code
	r.Kind = codes.Kind(code)
	r.Msg = msg
}

func (r *Response) Success(data interface{}) {
	r.Code = codes.CODE_SUCCESS
	r.Kind = ""
	r.Msg = "success"
	r.Data = data
}
