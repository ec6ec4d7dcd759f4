package network

import (
	"github.com/lk2023060901/danmu-push-go/internal/network/session"
)

// 线上事件名。
const (
	// EventNameRegister 为设备上行的注册事件。
	EventNameRegister = "register"
	// EventNamePushMessage 为服务器下行的推送事件。
	EventNamePushMessage = "push-message"
)

// EventKind 表示接入层投递给上层的事件类型。
type EventKind int

const (
	EventConnect EventKind = iota + 1
	EventRegister
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventRegister:
		return "register"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// RegisterPayload 为 register 事件携带的数据。
type RegisterPayload struct {
	UserID string `json:"userId"`
}

// Event 是一条入站事件。
//
// 同一连接的事件按 connect -> register* -> disconnect 的顺序进入队列。
type Event struct {
	Kind         EventKind
	ConnectionID string
	// Session 仅在 EventConnect 时非空。
	Session  session.Session
	Register RegisterPayload
	// Cause 为断开原因，仅在 EventDisconnect 时可能非空。
	Cause error
}

// EventSource 是一次 Listen 得到的入站事件队列。
//
// Events 返回的通道不会被关闭，消费方应同时等待 Done。
type EventSource interface {
	Events() <-chan Event
	Done() <-chan struct{}
	// Close 停止接收新连接，并关闭该监听下的全部会话。多次调用是安全的。
	Close() error
}

// Transport 为推送通道提供双向连接的接入能力。
type Transport interface {
	Listen(path string) (EventSource, error)
}
