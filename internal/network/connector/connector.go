package connector

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	network "github.com/lk2023060901/danmu-push-go/internal/network"
	"github.com/lk2023060901/danmu-push-go/internal/network/serializer"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/util/conc"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// Config 描述设备侧连接的基础配置。
type Config struct {
	SendQueueSize int
	RecvQueueSize int

	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		SendQueueSize:    64,
		RecvQueueSize:    1024,
		HandshakeTimeout: 10 * time.Second,
	}
}

// ClientConn 抽象了设备侧的一条连接。
type ClientConn interface {
	Context() context.Context
	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Emit 发送一个命名事件。
	Emit(event string, payload any) error
	// Register 发送 register 事件，将当前连接绑定到 userID。
	Register(userID string) error
	// Recv 返回下行帧通道，连接结束后通道被关闭。
	Recv() <-chan serializer.Frame

	Close() error
	// Err 返回导致连接结束的错误，正常关闭时为 nil。
	Err() error
}

// Connector 抽象了设备侧的拨号器。
type Connector interface {
	Dial(ctx context.Context, urlStr string, header http.Header) (ClientConn, error)
}

// wsConnector 是基于 gorilla/websocket 的默认 Connector 实现。
type wsConnector struct {
	cfg Config
	ser serializer.Serializer
}

// NewWSConnector 创建一个基于 WebSocket 的 Connector。
func NewWSConnector(cfg Config) Connector {
	def := defaultConfig()
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.RecvQueueSize <= 0 {
		cfg.RecvQueueSize = def.RecvQueueSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	return &wsConnector{cfg: cfg, ser: serializer.JSONSerializer{}}
}

func (c *wsConnector) Dial(ctx context.Context, urlStr string, header http.Header) (ClientConn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(network.ErrHandshakeFailed, "dial %s: status %d: %v", urlStr, resp.StatusCode, err)
		}
		return nil, errors.Wrapf(network.ErrHandshakeFailed, "dial %s: %v", urlStr, err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	return newWSClientConn(connCtx, cancel, conn, c.cfg, c.ser), nil
}

// wsClientConn 是基于 WebSocket 的 ClientConn 默认实现。
type wsClientConn struct {
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	cfg Config
	ser serializer.Serializer

	remoteAddr net.Addr
	localAddr  net.Addr

	sendChan chan []byte
	recvChan chan serializer.Frame

	mu    sync.Mutex
	cause error

	closeOnce sync.Once
}

func newWSClientConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	cfg Config,
	ser serializer.Serializer,
) *wsClientConn {
	c := &wsClientConn{
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		ser:        ser,
		remoteAddr: conn.RemoteAddr(),
		localAddr:  conn.LocalAddr(),
		sendChan:   make(chan []byte, cfg.SendQueueSize),
		recvChan:   make(chan serializer.Frame, cfg.RecvQueueSize),
	}

	// 使用 conc.Go 启动收发协程，避免直接使用原生 go 关键字。
	_ = conc.Go(func() (struct{}, error) {
		c.recvLoop()
		return struct{}{}, nil
	})
	_ = conc.Go(func() (struct{}, error) {
		c.sendLoop()
		return struct{}{}, nil
	})

	return c
}

func (c *wsClientConn) Context() context.Context      { return c.ctx }
func (c *wsClientConn) RemoteAddr() net.Addr          { return c.remoteAddr }
func (c *wsClientConn) LocalAddr() net.Addr           { return c.localAddr }
func (c *wsClientConn) Recv() <-chan serializer.Frame { return c.recvChan }
func (c *wsClientConn) Close() error                  { return c.close(nil) }

func (c *wsClientConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

func (c *wsClientConn) Register(userID string) error {
	return c.Emit(network.EventNameRegister, network.RegisterPayload{UserID: userID})
}

func (c *wsClientConn) Emit(event string, payload any) error {
	if c.ctx.Err() != nil {
		return merr.WrapErrConnectionClosed(c.remoteAddr.String())
	}
	data, err := serializer.EncodeFrame(c.ser, event, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return merr.WrapErrConnectionClosed(c.remoteAddr.String())
	case c.sendChan <- data:
		return nil
	}
}

func (c *wsClientConn) close(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()

		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// recvLoop 持续读取 WebSocket 帧，结束时关闭 recvChan。
func (c *wsClientConn) recvLoop() {
	defer close(c.recvChan)

	for {
		if c.cfg.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.close(nil)
				return
			}
			c.close(errors.Wrap(network.ErrRecvFailed, err.Error()))
			return
		}

		frame, err := serializer.DecodeFrame(c.ser, data)
		if err != nil {
			log.Warn("drop undecodable frame",
				zap.String("stage", string(network.StageDecode)), zap.Error(err))
			continue
		}

		select {
		case <-c.ctx.Done():
			return
		case c.recvChan <- frame:
		default:
			log.RatedWarn(1, "receive queue full, drop frame", zap.String("event", frame.Event))
		}
	}
}

// sendLoop 从 sendChan 读取已编码的帧并写入 WebSocket。
func (c *wsClientConn) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendChan:
			if c.cfg.WriteTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close(errors.Wrap(network.ErrSendFailed, err.Error()))
				return
			}
		}
	}
}
