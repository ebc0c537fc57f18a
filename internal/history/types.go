package history

import (
	"context"
	"time"
)

// EventType 表示历史事件类型。
type EventType string

const (
	EventExecution      EventType = "execution"
	EventOrderCreated   EventType = "order_created"
	EventOrderRejected  EventType = "order_rejected"
	EventOrderTriggered EventType = "order_triggered"
	EventOrderCompleted EventType = "order_completed"
	EventOrderFailed    EventType = "order_failed"
	EventOrderCancelled EventType = "order_cancelled"
	EventStreamError    EventType = "stream_error"
	EventError          EventType = "error"
)

// Event 封装通用历史事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Recorder 由执行与订单模块依赖，便于测试替换。
type Recorder interface {
	Append(ctx context.Context, typ EventType, payload interface{})
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Nop 丢弃所有事件。
type Nop struct{}

// Append 实现 Recorder。
func (Nop) Append(context.Context, EventType, interface{}) {}
