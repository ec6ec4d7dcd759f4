package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/network/serializer"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// WSSession 是基于 gorilla/websocket 的 Session 实现。
//
// 写路径只在 sendLoop 协程中执行，读路径由 ReadLoop 的调用方独占，
// 满足 gorilla/websocket “一读一写” 的并发约束。
type WSSession struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	conn *websocket.Conn
	cfg  Config
	ser  serializer.Serializer

	remoteAddr net.Addr
	localAddr  net.Addr

	// sendQueue 为已编码帧的发送队列，由 sendLoop 顺序写出。
	sendQueue chan []byte

	closeOnce sync.Once
}

var _ Session = (*WSSession)(nil)

// NewWSSession 创建会话并启动发送协程。
//
// 参数：
//   - parent：会话所属的上层上下文；若为 nil，则使用 context.Background()；
//   - id    ：连接 ID；
//   - conn  ：已完成升级的 WebSocket 连接。
func NewWSSession(parent context.Context, id string, conn *websocket.Conn, cfg Config, ser serializer.Serializer) *WSSession {
	if parent == nil {
		parent = context.Background()
	}
	if ser == nil {
		ser = serializer.JSONSerializer{}
	}
	cfg = cfg.Normalize()
	ctx, cancel := context.WithCancel(parent)

	s := &WSSession{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		cfg:        cfg,
		ser:        ser,
		remoteAddr: conn.RemoteAddr(),
		localAddr:  conn.LocalAddr(),
		sendQueue:  make(chan []byte, cfg.SendQueueSize),
	}

	go s.sendLoop()

	return s
}

func (s *WSSession) ID() string               { return s.id }
func (s *WSSession) Context() context.Context { return s.ctx }
func (s *WSSession) RemoteAddr() net.Addr     { return s.remoteAddr }
func (s *WSSession) LocalAddr() net.Addr      { return s.localAddr }

// Emit 实现 Session.Emit。
//
// 编码在调用方协程完成，入队不阻塞；队列已满时直接返回错误。
func (s *WSSession) Emit(event string, payload any) error {
	if s.ctx.Err() != nil {
		return merr.WrapErrConnectionClosed(s.id)
	}

	data, err := serializer.EncodeFrame(s.ser, event, payload)
	if err != nil {
		return err
	}

	select {
	case <-s.ctx.Done():
		return merr.WrapErrConnectionClosed(s.id)
	case s.sendQueue <- data:
		return nil
	default:
		return merr.WrapErrTooManyRequests(int32(cap(s.sendQueue)), "send queue of connection "+s.id+" is full")
	}
}

// Close 实现 Session.Close。
func (s *WSSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		// WriteControl 可与 sendLoop 中的写操作并发调用。
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
	})
	return err
}

// ReadLoop 持续读取帧并交给 onFrame，直到连接断开或会话关闭。
//
// 返回 nil 表示正常关闭（对端正常关闭或本端 Close），否则为读错误。
// 无法解码的帧会被记录并跳过，不会导致断开。
func (s *WSSession) ReadLoop(onFrame func(frame serializer.Frame)) error {
	logger := log.With(log.FieldConnectionID(s.id))

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.Wrapf(err, "read from connection %s", s.id)
		}
		s.extendReadDeadline()

		frame, err := serializer.DecodeFrame(s.ser, data)
		if err != nil {
			logger.Warn("drop undecodable frame", zap.Int("size", len(data)), zap.Error(err))
			continue
		}
		onFrame(frame)
	}
}

func (s *WSSession) extendReadDeadline() {
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
}

func (s *WSSession) writeDeadline() time.Time {
	if s.cfg.WriteTimeout > 0 {
		return time.Now().Add(s.cfg.WriteTimeout)
	}
	return time.Time{}
}

// sendLoop 为每个会话启动的专职发送协程，同时负责心跳。
func (s *WSSession) sendLoop() {
	var pingC <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.sendQueue:
			_ = s.conn.SetWriteDeadline(s.writeDeadline())
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("write frame failed, closing session", log.FieldConnectionID(s.id), zap.Error(err))
				_ = s.Close()
				return
			}
		case <-pingC:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, s.writeDeadline()); err != nil {
				log.Debug("ping failed, closing session", log.FieldConnectionID(s.id), zap.Error(err))
				_ = s.Close()
				return
			}
		}
	}
}
