package errs

import (
	"encoding/json"
	"net/http"
)

type Error struct {
	Code    uint                   `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func (o *Error) Serialize() (b []byte, err error) {
	b, err = json.Marshal(o)
	return
}

func (o *Error) Error() string {
	b, _ := o.Serialize()
	return string(b)
}

// Is 按错误码比较，使 errors.Is 能匹配带附加数据的副本
func (o *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return o.Code == t.Code
}

func (o *Error) SetData(k string, v interface{}) *Error {
	o.Data[k] = v

	return o
}

func (o *Error) Clone() *Error {
	n := *o

	n.Data = map[string]interface{}{}
	for k, v := range o.Data {
		n.Data[k] = v
	}

	return &n
}

func NewError(code uint, message string) *Error {
	return &Error{Code: code, Message: message, Data: map[string]interface{}{}}
}

// With 复制错误并附加一条数据
func (o *Error) With(k string, v interface{}) *Error {
	return o.Clone().SetData(k, v)
}

// HTTPStatus 错误码到HTTP状态码的映射
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch e.Code {
	case IncompleteOrInvalidBallot.Code:
		return http.StatusBadRequest
	case Unauthenticated.Code:
		return http.StatusUnauthorized
	case NotEligible.Code, CandidateCannotVote.Code, Forbidden.Code:
		return http.StatusForbidden
	case ElectionNotFound.Code:
		return http.StatusNotFound
	case ElectionNotOpen.Code, AlreadyVoted.Code, DuplicateRequest.Code,
		ResultsNotAvailable.Code, InvalidTransition.Code:
		return http.StatusConflict
	case ChainConflict.Code:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Extensions GraphQL 错误扩展字段
func (o *Error) Extensions() map[string]interface{} {
	ext := map[string]interface{}{"code": o.Code}
	for k, v := range o.Data {
		ext[k] = v
	}
	return ext
}
