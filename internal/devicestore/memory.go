package devicestore

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// MemoryStore 是进程内的 Store 实现，用于测试和单机部署。
type MemoryStore struct {
	mu     sync.Mutex
	rows   []*Device
	closed bool
	now    func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Create(ctx context.Context, device Device) error {
	if device.DeviceID == "" {
		return merr.WrapErrParameterMissing("deviceId")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	now := s.now()
	live, ok := lo.Find(s.rows, func(d *Device) bool {
		return d.DeviceID == device.DeviceID && !d.IsDeleted
	})
	if ok {
		live.UserID = device.UserID
		live.Channel = device.Channel
		live.UpdatedAt = now
		return nil
	}

	row := device
	row.IsDeleted = false
	row.CreatedAt = now
	row.UpdatedAt = now
	s.rows = append(s.rows, &row)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, patch Patch, filter Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	now := s.now()
	var affected int64
	for _, row := range s.rows {
		if filter.Match(*row) {
			patch.Apply(row, now)
			affected++
		}
	}
	return affected, nil
}

func (s *MemoryStore) Destroy(ctx context.Context, filter Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	kept := lo.Reject(s.rows, func(d *Device, _ int) bool {
		return filter.Match(*d)
	})
	removed := int64(len(s.rows) - len(kept))
	s.rows = kept
	return removed, nil
}

func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	return int64(lo.CountBy(s.rows, func(d *Device) bool {
		return filter.Match(*d)
	})), nil
}

// List 返回匹配 filter 的记录副本，按写入顺序排列。
func (s *MemoryStore) List(filter Filter) []Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.FilterMap(s.rows, func(d *Device, _ int) (Device, bool) {
		return *d, filter.Match(*d)
	})
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) check(ctx context.Context) error {
	if s.closed {
		return merr.WrapErrServiceNotReady("devicestore", "closed")
	}
	return ctx.Err()
}
