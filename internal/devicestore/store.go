// Package devicestore 持久化设备记录 {deviceId, userId, channel, isDeleted}。
//
// 同一 deviceId 至多存在一条未删除（live）记录；软删除的记录作为历史保留。
package devicestore

import (
	"context"
	"time"
)

// Device 是一条设备记录。
type Device struct {
	DeviceID  string    `json:"deviceId"`
	UserID    string    `json:"userId"`
	Channel   string    `json:"channel"`
	IsDeleted bool      `json:"isDeleted"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Filter 选择设备记录，nil 字段表示不参与匹配，全部为 nil 时匹配所有记录。
type Filter struct {
	DeviceID  *string
	UserID    *string
	Channel   *string
	IsDeleted *bool
}

// Match 判断 d 是否满足过滤条件。
func (f Filter) Match(d Device) bool {
	if f.DeviceID != nil && *f.DeviceID != d.DeviceID {
		return false
	}
	if f.UserID != nil && *f.UserID != d.UserID {
		return false
	}
	if f.Channel != nil && *f.Channel != d.Channel {
		return false
	}
	if f.IsDeleted != nil && *f.IsDeleted != d.IsDeleted {
		return false
	}
	return true
}

// Patch 描述对匹配记录的部分更新，nil 字段保持不变。
type Patch struct {
	UserID    *string
	Channel   *string
	IsDeleted *bool
}

// IsEmpty 判断 Patch 是否不包含任何修改。
func (p Patch) IsEmpty() bool {
	return p.UserID == nil && p.Channel == nil && p.IsDeleted == nil
}

// Apply 将修改写入 d 并刷新 UpdatedAt。
func (p Patch) Apply(d *Device, now time.Time) {
	if p.UserID != nil {
		d.UserID = *p.UserID
	}
	if p.Channel != nil {
		d.Channel = *p.Channel
	}
	if p.IsDeleted != nil {
		d.IsDeleted = *p.IsDeleted
	}
	d.UpdatedAt = now
}

// Store 是设备记录的持久化接口。
//
// 所有计数返回受影响（或匹配）的记录条数。
type Store interface {
	// Create 写入一条 live 记录；同一 deviceId 已存在 live 记录时覆盖其 userId 与 channel。
	Create(ctx context.Context, device Device) error
	// Update 对所有匹配 filter 的记录应用 patch。
	Update(ctx context.Context, patch Patch, filter Filter) (int64, error)
	// Destroy 物理删除所有匹配 filter 的记录。
	Destroy(ctx context.Context, filter Filter) (int64, error)
	// Count 统计匹配 filter 的记录条数。
	Count(ctx context.Context, filter Filter) (int64, error)
	Close() error
}
