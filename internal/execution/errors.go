package execution

import "fmt"

// ValidationError 表示请求在任何网络调用之前即被拒绝。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("execution: invalid %s: %s", e.Field, e.Reason)
}

// PrepServiceError 表示交易构建服务失败或返回无效响应。
type PrepServiceError struct {
	Err error
}

func (e *PrepServiceError) Error() string {
	return fmt.Sprintf("execution: prep service: %v", e.Err)
}

func (e *PrepServiceError) Unwrap() error { return e.Err }

// SigningError 表示没有任何交易能被签名。
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("execution: signing: %v", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// SubmissionError 表示某个分块提交失败。
type SubmissionError struct {
	Chunk int
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("execution: submit chunk %d: %v", e.Chunk, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }
