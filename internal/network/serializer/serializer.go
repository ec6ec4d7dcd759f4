package serializer

import (
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/danmu-push-go/internal/json"
)

// Serializer 抽象了网络层“对象 <-> 字节流”的序列化能力。
type Serializer interface {
	// Marshal 将任意对象编码为字节序列。
	Marshal(v any) ([]byte, error)

	// Unmarshal 将字节序列解码到目标对象。
	//
	// v 通常为指针类型，用于接收解码结果。
	Unmarshal(data []byte, v any) error
}

// Frame 是 WebSocket 文本帧上的统一信封：{"event": "...", "data": ...}。
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame 将事件名与负载编码为一条完整帧。
// payload 为 []byte 或 json.RawMessage 时视为已编码的 JSON，直接放入 data。
func EncodeFrame(s Serializer, event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, errors.New("serializer: empty event name")
	}

	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		raw, err := s.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "serializer: marshal payload of event %s", event)
		}
		data = raw
	}

	return s.Marshal(Frame{Event: event, Data: data})
}

// DecodeFrame 解析一条帧，data 部分保持原始字节，由调用方按事件类型继续解码。
func DecodeFrame(s Serializer, raw []byte) (Frame, error) {
	var frame Frame
	if err := s.Unmarshal(raw, &frame); err != nil {
		return Frame{}, errors.Wrap(err, "serializer: decode frame")
	}
	if frame.Event == "" {
		return Frame{}, errors.New("serializer: frame without event")
	}
	return frame, nil
}
