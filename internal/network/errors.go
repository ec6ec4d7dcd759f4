package network

import "github.com/cockroachdb/errors"

// Stage 表示网络收发链路中的处理阶段。
//
// 主要用于在日志中标记错误发生的位置，便于监控与排查。
type Stage string

const (
	StageHandshake Stage = "handshake"
	StageRecvRaw   Stage = "recv_raw" // 收到底层原始帧
	StageDecode    Stage = "decode"   // 原始帧 -> Frame
	StageDispatch  Stage = "dispatch" // Frame -> 事件
	StageEncode    Stage = "encode"
	StageSend      Stage = "send"
)

// 统一的错误码常量，作为日志/监控中的稳定字符串。
const (
	ErrCodeHandshakeFailed = "network:handshake_failed"
	ErrCodeRecvFailed      = "network:recv_failed"
	ErrCodeDecodeFailed    = "network:decode_failed"
	ErrCodeSendFailed      = "network:send_failed"
	ErrCodeNotListening    = "network:not_listening"
	ErrCodeAlreadyListen   = "network:already_listening"
)

var (
	// ErrHandshakeFailed 表示 WebSocket 升级失败。
	ErrHandshakeFailed = errors.New(ErrCodeHandshakeFailed)

	// ErrRecvFailed 表示在读取底层连接数据时发生错误。
	ErrRecvFailed = errors.New(ErrCodeRecvFailed)

	// ErrDecodeFailed 表示无法将原始帧解码为 Frame。
	ErrDecodeFailed = errors.New(ErrCodeDecodeFailed)

	// ErrSendFailed 表示在发送数据到对端时发生错误。
	ErrSendFailed = errors.New(ErrCodeSendFailed)

	// ErrNotListening 表示接入层当前没有活跃的监听者。
	ErrNotListening = errors.New(ErrCodeNotListening)

	// ErrAlreadyListening 表示接入层已被另一个监听者占用。
	ErrAlreadyListening = errors.New(ErrCodeAlreadyListen)
)
