package pushchannel

import (
	"sync"

	"go.uber.org/zap"

	network "github.com/lk2023060901/danmu-push-go/internal/network"
	"github.com/lk2023060901/danmu-push-go/internal/network/session"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/metrics"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
	"github.com/lk2023060901/danmu-push-go/pkg/util/typeutil"
)

// Connection 是一条在线连接及其注册状态。
type Connection struct {
	ID         string
	Registered bool
	DeviceID   string
	UserID     string
	Session    session.Session
}

// Registry 维护 connectionId -> Connection 与 deviceId -> Connection 两个索引。
//
// 两个索引由同一把读写锁保护，始终保持一致：
//   - 一个 deviceId 至多对应一条在线连接；
//   - 按任一键删除时，若两个索引指向同一连接则同时清理。
//
// 通道未运行时注册表处于关闭状态，所有变更操作记录告警后忽略。
type Registry struct {
	log.Binder

	channel string
	writer  *storeWriter

	mu       sync.RWMutex
	open     bool
	byConn   map[string]*Connection
	byDevice map[string]*Connection
}

func newRegistry(channel string, writer *storeWriter) *Registry {
	r := &Registry{
		channel:  channel,
		writer:   writer,
		byConn:   make(map[string]*Connection),
		byDevice: make(map[string]*Connection),
	}
	r.SetLogger(log.With(log.FieldComponent("registry"), log.FieldChannel(channel)))
	return r
}

func (r *Registry) setOpen(open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = open
}

// reset 清空内存索引并关闭注册表，不产生任何存储写入。
func (r *Registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.open = false
	dropped := len(r.byConn)
	r.byConn = make(map[string]*Connection)
	r.byDevice = make(map[string]*Connection)
	r.refreshGauges()
	r.Logger().Info("registry cleared", zap.Int("droppedConnections", dropped))
}

// OnConnect 记录一条新的未注册连接。
func (r *Registry) OnConnect(sess session.Session) {
	connID := sess.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.checkOpen("connect", connID) {
		return
	}

	if old, ok := r.byConn[connID]; ok {
		r.inconsistency(metrics.InconsistencyDuplicatedConnect, merr.WrapErrConnectionDuplicated(connID))
		if old.Registered && r.byDevice[old.DeviceID] == old {
			delete(r.byDevice, old.DeviceID)
		}
	}
	r.byConn[connID] = &Connection{ID: connID, Session: sess}
	r.refreshGauges()
	r.Logger().Debug("connection added", log.FieldConnectionID(connID))
}

// OnRegister 将连接绑定到设备并异步写入设备记录。
//
// 设备 ID 即连接 ID。投递索引在发起存储写入前同步更新，
// 存储失败只记录日志，不回滚内存绑定。重复注册覆盖原绑定。
func (r *Registry) OnRegister(connID string, payload network.RegisterPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.checkOpen("register", connID) {
		return
	}

	conn, ok := r.byConn[connID]
	if !ok {
		r.inconsistency(metrics.InconsistencyUnknownConnection,
			merr.WrapErrConnectionNotFound(connID, "register"))
		return
	}

	deviceID := connID
	if prev, ok := r.byDevice[deviceID]; ok && prev != conn {
		r.Logger().Warn("device binding superseded",
			log.FieldDeviceID(deviceID), zap.String("previousConnection", prev.ID))
	}
	conn.Registered = true
	conn.DeviceID = deviceID
	conn.UserID = payload.UserID
	r.byDevice[deviceID] = conn
	r.refreshGauges()

	r.Logger().Info("device registering",
		log.FieldDeviceID(deviceID), log.FieldUserID(payload.UserID))
	r.writer.upsert(deviceID, payload.UserID)
}

// OnDisconnect 移除连接；已注册的连接异步注销设备记录。
func (r *Registry) OnDisconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.checkOpen("disconnect", connID) {
		return
	}

	conn, ok := r.byConn[connID]
	if !ok {
		r.inconsistency(metrics.InconsistencyUnknownConnection,
			merr.WrapErrConnectionNotFound(connID, "disconnect"))
		return
	}

	delete(r.byConn, connID)
	if conn.Registered {
		if r.byDevice[conn.DeviceID] == conn {
			delete(r.byDevice, conn.DeviceID)
		}
		r.Logger().Info("device unregistering", log.FieldDeviceID(conn.DeviceID))
		r.writer.unregister(conn.DeviceID)
	}
	r.refreshGauges()
	r.Logger().Debug("connection removed", log.FieldConnectionID(connID))
}

// Unregister 显式注销设备，与传输层状态无关。
//
// 总是发起存储注销；返回值表示内存中是否存在该设备的绑定。
// 连接本身保持在线，之后断开不会再次注销。
func (r *Registry) Unregister(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.checkOpen("unregister", deviceID) {
		return false
	}

	conn, bound := r.byDevice[deviceID]
	if bound {
		delete(r.byDevice, deviceID)
		conn.Registered = false
		r.refreshGauges()
	}

	r.Logger().Info("device unregistering", log.FieldDeviceID(deviceID), zap.Bool("bound", bound))
	r.writer.unregister(deviceID)
	return bound
}

// Lookup 返回设备当前绑定的会话。
func (r *Registry) Lookup(deviceID string) (session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byDevice[deviceID]
	if !ok {
		return nil, false
	}
	return conn.Session, true
}

// Len 返回在线连接数。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// RegisteredLen 返回已绑定设备的连接数。
func (r *Registry) RegisteredLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDevice)
}

// DeviceIDs 返回当前可投递的设备 ID 集合。
func (r *Registry) DeviceIDs() typeutil.Set[string] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := typeutil.NewSet[string]()
	for id := range r.byDevice {
		ids.Insert(id)
	}
	return ids
}

// Connection 返回连接的快照。
func (r *Registry) Connection(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byConn[connID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

func (r *Registry) checkOpen(op, id string) bool {
	if !r.open {
		r.Logger().Warn("registry is closed, ignore operation", zap.String("op", op), zap.String("id", id))
	}
	return r.open
}

func (r *Registry) inconsistency(kind string, err error) {
	metrics.ChannelInconsistenciesTotal.WithLabelValues(r.channel, kind).Inc()
	r.Logger().Error("registry inconsistency", zap.String("kind", kind), zap.Error(err))
}

// refreshGauges 需在持有写锁时调用。
func (r *Registry) refreshGauges() {
	metrics.ChannelConnections.WithLabelValues(r.channel).Set(float64(len(r.byConn)))
	metrics.ChannelRegisteredDevices.WithLabelValues(r.channel).Set(float64(len(r.byDevice)))
}
