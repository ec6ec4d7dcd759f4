// Package pushchannel 实现设备推送通道：连接/设备注册表、生命周期状态机与按设备投递。
package pushchannel

import (
	"context"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/devicestore"
	network "github.com/lk2023060901/danmu-push-go/internal/network"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/metrics"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// State 是通道的生命周期状态。
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

const (
	DefaultTag  = "websocket"
	DefaultPath = "/push"
)

// Config 对应配置文件 channel 段。
type Config struct {
	// Tag 为写入设备记录的通道标识，启动时按它清理遗留记录。
	Tag  string `mapstructure:"tag"`
	Path string `mapstructure:"path"`
	// HardDelete 为 true 时注销直接删除记录，否则标记删除。
	HardDelete    bool `mapstructure:"hardDelete"`
	StorePoolSize int  `mapstructure:"storePoolSize"`
}

func (c Config) normalize() Config {
	if c.Tag == "" {
		c.Tag = DefaultTag
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	return c
}

// Channel 是一个推送通道实例。
//
// 状态机：STOPPED -> STARTING -> RUNNING -> STOPPING -> STOPPED。
// 注册表只在 RUNNING 时接受变更；多个 Channel 实例互不共享状态。
type Channel struct {
	log.Binder

	cfg   Config
	store devicestore.Store

	writer   *storeWriter
	registry *Registry
	router   *Router

	mu       sync.Mutex
	state    atomic.Int32
	source   network.EventSource
	loopDone chan struct{}
}

// NewChannel 创建处于 STOPPED 状态的通道。
func NewChannel(cfg Config, store devicestore.Store) *Channel {
	cfg = cfg.normalize()
	writer := newStoreWriter(cfg.Tag, store, cfg.HardDelete, cfg.StorePoolSize)
	registry := newRegistry(cfg.Tag, writer)

	c := &Channel{
		cfg:      cfg,
		store:    store,
		writer:   writer,
		registry: registry,
		router:   newRouter(cfg.Tag, registry),
	}
	c.SetLogger(log.With(log.FieldComponent("channel"), log.FieldChannel(cfg.Tag)))
	metrics.ChannelState.WithLabelValues(cfg.Tag).Set(float64(StateStopped))
	return c
}

// ChannelID 返回通道标识。
func (c *Channel) ChannelID() string {
	return c.cfg.Tag
}

// Path 返回监听路径。
func (c *Channel) Path() string {
	return c.cfg.Path
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

// Registry 返回通道的注册表，用于诊断与显式注销。
func (c *Channel) Registry() *Registry {
	return c.registry
}

func (c *Channel) setState(s State) {
	c.state.Store(int32(s))
	metrics.ChannelState.WithLabelValues(c.cfg.Tag).Set(float64(s))
}

// Start 启动通道。
//
// 先将本通道遗留的设备记录全部标记删除（上一进程生命周期的连接已不存在），
// 成功后才开始监听。清理或监听失败时通道保持 STOPPED 并返回错误，调用方可重试。
// 非 STOPPED 状态下调用只记录告警。
func (c *Channel) Start(ctx context.Context, transport network.Transport) error {
	ctx, span := log.NewIntentContext(ctx, "pushchannel", "Start")
	defer span.End()
	logger := log.Ctx(ctx).With(log.FieldChannel(c.cfg.Tag))

	c.mu.Lock()
	if s := c.State(); s != StateStopped {
		c.mu.Unlock()
		logger.Warn("push channel already started", zap.Stringer("state", s))
		return nil
	}
	c.setState(StateStarting)
	c.mu.Unlock()

	logger.Info("push channel starting", zap.String("path", c.cfg.Path))

	// STARTING 期间其他 Start/Stop 调用都只会告警，此处无需持锁。
	n, err := c.store.Update(ctx,
		devicestore.Patch{IsDeleted: lo.ToPtr(true)},
		devicestore.Filter{Channel: lo.ToPtr(c.cfg.Tag), IsDeleted: lo.ToPtr(false)})
	if err != nil {
		metrics.ChannelStoreOpsTotal.WithLabelValues(c.cfg.Tag, metrics.StoreOpReconcile, metrics.StoreResultFailed).Inc()
		logger.Error("clear stale devices failed, push channel not started", zap.Error(err))
		c.stopped()
		return merr.WrapErrChannelReconcileFailed(c.cfg.Tag, err)
	}
	metrics.ChannelStoreOpsTotal.WithLabelValues(c.cfg.Tag, metrics.StoreOpReconcile, metrics.StoreResultSuccess).Inc()
	logger.Info("stale devices cleared", zap.Int64("count", n))

	source, err := transport.Listen(c.cfg.Path)
	if err != nil {
		logger.Error("listen failed, push channel not started", zap.Error(err))
		c.stopped()
		return merr.WrapErrChannelListenFailed(c.cfg.Tag, c.cfg.Path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry.setOpen(true)
	c.source = source
	c.loopDone = make(chan struct{})
	go c.eventLoop(source, c.loopDone)
	c.setState(StateRunning)

	logger.Info("push channel started")
	return nil
}

func (c *Channel) stopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(StateStopped)
}

// Stop 停止监听并清空注册表，不产生存储写入。
// 非 RUNNING 状态下调用只记录告警。
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.State(); s != StateRunning {
		c.Logger().Warn("push channel not started", zap.Stringer("state", s))
		return nil
	}
	c.setState(StateStopping)
	c.Logger().Info("push channel stopping")

	err := c.source.Close()
	<-c.loopDone
	c.registry.reset()
	c.source = nil
	c.loopDone = nil

	c.setState(StateStopped)
	c.Logger().Info("push channel stopped")
	return err
}

// Close 停止通道，等待已提交的存储写入完成后释放协程池。
func (c *Channel) Close(ctx context.Context) error {
	stopErr := c.Stop()
	waitErr := c.writer.wait(ctx)
	c.writer.release()
	return merr.Combine(stopErr, waitErr)
}

// Send 向设备推送消息，至多一次，不重试。
func (c *Channel) Send(ctx context.Context, device devicestore.Device, message any) error {
	return c.router.Send(ctx, device.DeviceID, message)
}

// Unregister 显式注销设备，见 Registry.Unregister。
func (c *Channel) Unregister(deviceID string) bool {
	return c.registry.Unregister(deviceID)
}

// eventLoop 串行消费入站事件，直到事件源关闭。
func (c *Channel) eventLoop(source network.EventSource, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-source.Done():
			return
		case ev := <-source.Events():
			c.dispatch(ev)
		}
	}
}

func (c *Channel) dispatch(ev network.Event) {
	switch ev.Kind {
	case network.EventConnect:
		if ev.Session == nil {
			c.Logger().Warn("connect event without session", log.FieldConnectionID(ev.ConnectionID))
			return
		}
		c.registry.OnConnect(ev.Session)
	case network.EventRegister:
		c.registry.OnRegister(ev.ConnectionID, ev.Register)
	case network.EventDisconnect:
		c.registry.OnDisconnect(ev.ConnectionID)
	default:
		c.Logger().Warn("unknown event", zap.Stringer("kind", ev.Kind), log.FieldConnectionID(ev.ConnectionID))
	}
}
