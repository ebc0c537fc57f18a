package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrRejected 表示服务返回 success=false。
	ErrRejected = errors.New("backend: request rejected")
	// ErrMalformed 表示响应不符合任何已知格式。
	ErrMalformed = errors.New("backend: malformed response")
	// ErrEmpty 表示响应格式正确但没有任何交易。
	ErrEmpty = errors.New("backend: no transactions returned")
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: http %d: %s", e.Status, e.Body)
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500 || statusErr.Status == 429
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
