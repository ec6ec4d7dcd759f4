package session

import (
	"context"
	"net"
	"time"
)

// Session 抽象了一条设备连接。
//
// 约定：
//   - 每个 Session 对应一条底层 WebSocket 连接，ID 在进程内唯一；
//   - Emit 只负责投递，不等待对端确认，不做重试。
type Session interface {
	// ID 返回由接入层分配的连接 ID。
	ID() string

	// Context 在会话关闭时被取消。
	Context() context.Context

	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Emit 向对端发送一个命名事件。
	//
	// payload 会被编码到帧的 data 字段；会话已关闭或发送队列已满时返回错误。
	Emit(event string, payload any) error

	// Close 主动关闭会话，多次调用是幂等的。
	Close() error
}

// Config 描述单个会话的收发参数。
//
// ReadTimeout/WriteTimeout 为 0 表示不设置 deadline，PingInterval 为 0 表示不发送心跳。
type Config struct {
	SendQueueSize  int           `mapstructure:"sendQueueSize"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	PingInterval   time.Duration `mapstructure:"pingInterval"`
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`
}

func DefaultConfig() Config {
	return Config{
		SendQueueSize:  256,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   25 * time.Second,
		MaxMessageSize: 64 << 10,
	}
}

// Normalize 用默认值补齐未设置的字段。
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	return c
}
