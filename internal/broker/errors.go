package broker

import (
	"fmt"

	"github.com/pkg/errors"
)

// 远端的固定错误文案（用于把裸字符串翻译成可判定的错误）
const (
	msgBadAPIKey     = "Bad API key"
	msgMissingScope  = "Scope missing for API key"
	msgRealMoneyGate = "Not available for real money accounts"
	msgOrderNotFound = "Order not found"
	msgRateLimited   = "Limited"
	msgTimedOut      = "Timed-out"
)

// TransportError 网络层错误（连接失败、读超时等），一律可重试
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError 远端返回的非 2xx 响应
type RemoteError struct {
	Status  int    // HTTP 状态码
	Message string // 响应体（远端的错误文案）
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Status, e.Message)
}

// IsAuthFailure 401：凭证失效，整个会话必须停下来等人工处理
func (e *RemoteError) IsAuthFailure() bool { return e.Status == 401 }

// IsRateLimited 429：远端仍然限流了（本地预算应随之收缩）
func (e *RemoteError) IsRateLimited() bool { return e.Status == 429 }

// IsOrderNotFound 404 且文案匹配
func (e *RemoteError) IsOrderNotFound() bool {
	return e.Status == 404 && e.Message == msgOrderNotFound
}

// IsRealMoneyGate 400 且远端提示真实资金账户不可用
func (e *RemoteError) IsRealMoneyGate() bool {
	return e.Status == 400 && e.Message == msgRealMoneyGate
}

// AsTransportError 判定并提取 TransportError
func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// AsRemoteError 判定并提取 RemoteError
func AsRemoteError(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
