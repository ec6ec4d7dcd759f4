package acceptor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	network "github.com/lk2023060901/danmu-push-go/internal/network"
	"github.com/lk2023060901/danmu-push-go/internal/network/serializer"
	"github.com/lk2023060901/danmu-push-go/internal/network/session"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
)

// listener 是一次 Listen 对应的事件源。
type listener struct {
	acceptor *Acceptor
	path     string

	ctx    context.Context
	cancel context.CancelFunc

	events   chan network.Event
	sessions *session.BaseSessionManager
	logger   *log.MLogger

	closeOnce sync.Once
}

var _ network.EventSource = (*listener)(nil)

func (l *listener) Events() <-chan network.Event { return l.events }
func (l *listener) Done() <-chan struct{}        { return l.ctx.Done() }

// Close 实现 network.EventSource。
func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		// 先取消，再关闭会话：之后注册的会话会在 serve 中自行关闭。
		l.cancel()
		l.acceptor.detach(l)

		closed := 0
		l.sessions.Range(func(sess session.Session) bool {
			_ = sess.Close()
			closed++
			return true
		})
		l.logger.Info("acceptor stop listening", zap.Int("closedSessions", closed))
	})
	return nil
}

// push 将事件放入队列，监听者关闭后丢弃并返回 false。
func (l *listener) push(ev network.Event) bool {
	if l.ctx.Err() != nil {
		return false
	}
	select {
	case <-l.ctx.Done():
		return false
	case l.events <- ev:
		return true
	}
}

// serve 处理单个连接的生命周期：connect -> register* -> disconnect。
func (l *listener) serve(conn *websocket.Conn) {
	id := uuid.NewString()
	logger := l.logger.With(log.FieldConnectionID(id), zap.Stringer("remote", conn.RemoteAddr()))

	sess := session.NewWSSession(l.ctx, id, conn, l.acceptor.cfg.Session, l.acceptor.ser)
	if err := l.sessions.Register(sess); err != nil {
		logger.Warn("register session failed", zap.Error(err))
		_ = sess.Close()
		return
	}
	defer func() {
		_ = l.sessions.Unregister(id)
	}()

	if l.ctx.Err() != nil || !l.push(network.Event{Kind: network.EventConnect, ConnectionID: id, Session: sess}) {
		_ = sess.Close()
		return
	}
	logger.Debug("connection accepted")

	cause := sess.ReadLoop(func(frame serializer.Frame) {
		l.dispatch(logger, id, frame)
	})
	_ = sess.Close()

	if cause != nil {
		logger.Debug("connection closed with error",
			zap.String("stage", string(network.StageRecvRaw)), zap.Error(cause))
	}
	l.push(network.Event{Kind: network.EventDisconnect, ConnectionID: id, Cause: cause})
}

func (l *listener) dispatch(logger *log.MLogger, id string, frame serializer.Frame) {
	switch frame.Event {
	case network.EventNameRegister:
		var payload network.RegisterPayload
		if len(frame.Data) > 0 {
			if err := l.acceptor.ser.Unmarshal(frame.Data, &payload); err != nil {
				logger.Warn("drop malformed register payload",
					zap.String("stage", string(network.StageDecode)), zap.Error(err))
				return
			}
		}
		l.push(network.Event{Kind: network.EventRegister, ConnectionID: id, Register: payload})
	default:
		logger.Debug("ignore unknown event",
			zap.String("stage", string(network.StageDispatch)), zap.String("event", frame.Event))
	}
}
