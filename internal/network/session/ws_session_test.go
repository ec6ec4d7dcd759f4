package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-push-go/internal/network/serializer"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

type WSSessionSuite struct {
	suite.Suite

	server   *httptest.Server
	sessions chan *WSSession
	frames   chan serializer.Frame
	readErr  chan error
	client   *websocket.Conn
}

func (s *WSSessionSuite) SetupTest() {
	s.sessions = make(chan *WSSession, 1)
	s.frames = make(chan serializer.Frame, 16)
	s.readErr = make(chan error, 1)

	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cfg := DefaultConfig()
		cfg.PingInterval = 0
		sess := NewWSSession(context.Background(), "conn-1", conn, cfg, nil)
		s.sessions <- sess
		s.readErr <- sess.ReadLoop(func(frame serializer.Frame) {
			s.frames <- frame
		})
	}))

	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)
	s.client = client
}

func (s *WSSessionSuite) TearDownTest() {
	_ = s.client.Close()
	s.server.Close()
}

func (s *WSSessionSuite) session() *WSSession {
	select {
	case sess := <-s.sessions:
		return sess
	case <-time.After(5 * time.Second):
		s.FailNow("session not created")
		return nil
	}
}

func (s *WSSessionSuite) TestEmit() {
	sess := s.session()
	s.Equal("conn-1", sess.ID())
	s.NotNil(sess.RemoteAddr())

	s.Require().NoError(sess.Emit("push-message", map[string]string{"title": "hello"}))

	_ = s.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := s.client.ReadMessage()
	s.Require().NoError(err)
	s.Equal(websocket.TextMessage, msgType)
	s.JSONEq(`{"event":"push-message","data":{"title":"hello"}}`, string(data))
}

func (s *WSSessionSuite) TestReadLoop() {
	sess := s.session()

	s.Require().NoError(s.client.WriteMessage(websocket.TextMessage, []byte("garbage")))
	s.Require().NoError(s.client.WriteMessage(websocket.TextMessage, []byte(`{"event":"register","data":{"userId":"u1"}}`)))

	select {
	case frame := <-s.frames:
		s.Equal("register", frame.Event)
		s.JSONEq(`{"userId":"u1"}`, string(frame.Data))
	case <-time.After(5 * time.Second):
		s.FailNow("frame not received")
	}

	s.Require().NoError(sess.Close())
	select {
	case err := <-s.readErr:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("read loop not finished")
	}
}

func (s *WSSessionSuite) TestEmitAfterClose() {
	sess := s.session()
	s.Require().NoError(sess.Close())
	s.NoError(sess.Close())

	err := sess.Emit("push-message", "late")
	s.True(errors.Is(err, merr.ErrConnectionClosed))
	s.Error(sess.Context().Err())
}

func (s *WSSessionSuite) TestPeerClose() {
	s.session()
	s.Require().NoError(s.client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	select {
	case err := <-s.readErr:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("read loop not finished")
	}
}

func TestWSSession(t *testing.T) {
	suite.Run(t, new(WSSessionSuite))
}

type fakeSession struct {
	Session
	id string
}

func (f fakeSession) ID() string { return f.id }

func TestBaseSessionManager(t *testing.T) {
	m := NewBaseSessionManager()
	require.NoError(t, m.Register(fakeSession{id: "a"}))
	require.NoError(t, m.Register(fakeSession{id: "b"}))
	assert.True(t, errors.Is(m.Register(fakeSession{id: "a"}), merr.ErrConnectionDuplicated))
	assert.Equal(t, 2, m.Count())

	sess, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "a", sess.ID())

	visited := 0
	m.Range(func(Session) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)

	require.NoError(t, m.Unregister("a"))
	assert.True(t, errors.Is(m.Unregister("a"), merr.ErrConnectionNotFound))
	_, ok = m.Get("a")
	assert.False(t, ok)
}
