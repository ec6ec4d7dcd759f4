package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameComponent    = "component"
	FieldNameChannel      = "channel"
	FieldNameDeviceID     = "deviceID"
	FieldNameConnectionID = "connectionID"
	FieldNameUserID       = "userID"
	FieldNameRequestID    = "requestID"
)

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldChannel 返回一个包含推送通道标识的 zap 字段。
func FieldChannel(channelID string) zap.Field {
	return zap.String(FieldNameChannel, channelID)
}

// FieldDeviceID 返回一个包含设备 ID 的 zap 字段。
func FieldDeviceID(deviceID string) zap.Field {
	return zap.String(FieldNameDeviceID, deviceID)
}

// FieldConnectionID 返回一个包含连接 ID 的 zap 字段。
func FieldConnectionID(connID string) zap.Field {
	return zap.String(FieldNameConnectionID, connID)
}

// FieldUserID 返回一个包含用户 ID 的 zap 字段。
func FieldUserID(userID string) zap.Field {
	return zap.String(FieldNameUserID, userID)
}

// FieldRequestID 返回一个包含 HTTP 请求 ID 的 zap 字段。
func FieldRequestID(requestID string) zap.Field {
	return zap.String(FieldNameRequestID, requestID)
}
