package session

import (
	"sync"

	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// SessionManager 维护当前所有在线会话的索引。
//
// 只负责会话的注册、查询和移除，不直接创建或关闭底层连接。
type SessionManager interface {
	// Register 注册会话，存在相同 ID 时返回错误且不覆盖旧会话。
	Register(sess Session) error
	Get(id string) (Session, bool)
	// Unregister 仅删除索引，不负责调用 sess.Close()。
	Unregister(id string) error
	// Range 遍历当前所有在线会话，fn 返回 false 时中断。
	Range(fn func(sess Session) bool)
	Count() int
}

// BaseSessionManager 提供了基于内存 map 的 SessionManager 实现。
//
// Range 在遍历前复制一份会话切片，避免在持锁情况下执行用户回调。
type BaseSessionManager struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

var _ SessionManager = (*BaseSessionManager)(nil)

func NewBaseSessionManager() *BaseSessionManager {
	return &BaseSessionManager{
		sessions: make(map[string]Session),
	}
}

func (m *BaseSessionManager) Register(sess Session) error {
	if sess == nil {
		return nil
	}
	id := sess.ID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return merr.WrapErrConnectionDuplicated(id)
	}
	m.sessions[id] = sess
	return nil
}

func (m *BaseSessionManager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	return sess, ok
}

func (m *BaseSessionManager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; !exists {
		return merr.WrapErrConnectionNotFound(id)
	}
	delete(m.sessions, id)
	return nil
}

func (m *BaseSessionManager) Range(fn func(sess Session) bool) {
	if fn == nil {
		return
	}

	m.mu.RLock()
	snapshot := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		snapshot = append(snapshot, sess)
	}
	m.mu.RUnlock()

	for _, sess := range snapshot {
		if !fn(sess) {
			return
		}
	}
}

func (m *BaseSessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
