package acceptor

import (
	"context"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	network "github.com/lk2023060901/danmu-push-go/internal/network"
	"github.com/lk2023060901/danmu-push-go/internal/network/serializer"
	"github.com/lk2023060901/danmu-push-go/internal/network/session"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
)

// Config 描述 Acceptor 的配置。
//
// 说明：
//   - EventQueueSize 为每个监听者入站事件队列的容量，队列满时读协程阻塞等待；
//   - Session 控制每个连接的发送队列、读写超时与心跳。
type Config struct {
	EventQueueSize int            `mapstructure:"eventQueueSize"`
	Session        session.Config `mapstructure:",squash"`

	// Upgrader 允许调用方自定义 gorilla/websocket 的升级行为。
	// 若为 nil，则使用内部默认的 Upgrader（不校验 Origin）。
	Upgrader *websocket.Upgrader `mapstructure:"-"`
}

func defaultConfig() Config {
	return Config{
		EventQueueSize: 1024,
		Session:        session.DefaultConfig(),
	}
}

// Acceptor 是服务器侧的 WebSocket 接入层，同时实现 http.Handler 与 network.Transport。
//
// 职责：
//   - 处理 WebSocket 升级，为每个连接分配 uuid 作为连接 ID 并创建会话；
//   - 将连接、注册、断开按连接内顺序投递到当前监听者的事件队列；
//   - 没有活跃监听者时拒绝升级（503）。
type Acceptor struct {
	cfg      Config
	upgrader *websocket.Upgrader
	ser      serializer.Serializer

	mu      sync.RWMutex
	current *listener
}

var (
	_ network.Transport = (*Acceptor)(nil)
	_ http.Handler      = (*Acceptor)(nil)
)

// NewAcceptor 创建接入层，未设置的配置项使用默认值。
func NewAcceptor(cfg Config) *Acceptor {
	def := defaultConfig()
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = def.EventQueueSize
	}
	cfg.Session = cfg.Session.Normalize()

	upgrader := cfg.Upgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		}
	}
	return &Acceptor{
		cfg:      cfg,
		upgrader: upgrader,
		ser:      serializer.JSONSerializer{},
	}
}

// Listen 实现 network.Transport。
//
// path 非空时只接受该路径上的升级请求。同一时刻只允许一个监听者。
func (a *Acceptor) Listen(path string) (network.EventSource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != nil {
		return nil, errors.Wrapf(network.ErrAlreadyListening, "path %s", a.current.path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{
		acceptor: a,
		path:     path,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan network.Event, a.cfg.EventQueueSize),
		sessions: session.NewBaseSessionManager(),
		logger:   log.With(log.FieldComponent("acceptor"), zap.String("path", path)),
	}
	a.current = l
	l.logger.Info("acceptor start listening")
	return l, nil
}

// Close 关闭当前监听者（如果有）。
func (a *Acceptor) Close() error {
	a.mu.RLock()
	l := a.current
	a.mu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

// Sessions 返回当前活跃会话的快照。
func (a *Acceptor) Sessions() []session.Session {
	l := a.active()
	if l == nil {
		return nil
	}
	snapshot := make([]session.Session, 0, l.sessions.Count())
	l.sessions.Range(func(sess session.Session) bool {
		snapshot = append(snapshot, sess)
		return true
	})
	return snapshot
}

func (a *Acceptor) active() *listener {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

func (a *Acceptor) detach(l *listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == l {
		a.current = nil
	}
}

// ServeHTTP 实现 http.Handler，阻塞直至该连接结束。
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l := a.active()
	if l == nil {
		http.Error(w, "push channel is not listening", http.StatusServiceUnavailable)
		return
	}
	if l.path != "" && r.URL.Path != l.path {
		http.NotFound(w, r)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader 已向客户端写出错误响应。
		l.logger.Warn("websocket upgrade failed",
			zap.String("stage", string(network.StageHandshake)),
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		return
	}
	l.serve(conn)
}
