package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"

	network "github.com/lk2023060901/danmu-push-go/internal/network"
	"github.com/lk2023060901/danmu-push-go/internal/network/acceptor"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

type ConnectorSuite struct {
	suite.Suite

	acceptor *acceptor.Acceptor
	server   *httptest.Server
	source   network.EventSource
	url      string
}

func (s *ConnectorSuite) SetupTest() {
	s.acceptor = acceptor.NewAcceptor(acceptor.Config{})
	s.server = httptest.NewServer(s.acceptor)

	src, err := s.acceptor.Listen("/ws")
	s.Require().NoError(err)
	s.source = src
	s.url = "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
}

func (s *ConnectorSuite) TearDownTest() {
	_ = s.source.Close()
	s.server.Close()
}

func (s *ConnectorSuite) next() network.Event {
	select {
	case ev := <-s.source.Events():
		return ev
	case <-time.After(5 * time.Second):
		s.FailNow("no event received")
		return network.Event{}
	}
}

func (s *ConnectorSuite) TestRegisterAndReceive() {
	conn, err := NewWSConnector(Config{}).Dial(context.Background(), s.url, nil)
	s.Require().NoError(err)
	defer conn.Close()

	connected := s.next()
	s.Equal(network.EventConnect, connected.Kind)

	s.Require().NoError(conn.Register("user-1"))
	registered := s.next()
	s.Equal(network.EventRegister, registered.Kind)
	s.Equal("user-1", registered.Register.UserID)

	s.Require().NoError(connected.Session.Emit(network.EventNamePushMessage, map[string]int{"n": 1}))
	select {
	case frame := <-conn.Recv():
		s.Equal(network.EventNamePushMessage, frame.Event)
		s.JSONEq(`{"n":1}`, string(frame.Data))
	case <-time.After(5 * time.Second):
		s.FailNow("push not received")
	}
}

func (s *ConnectorSuite) TestServerClose() {
	conn, err := NewWSConnector(Config{}).Dial(context.Background(), s.url, nil)
	s.Require().NoError(err)

	connected := s.next()
	s.Require().NoError(connected.Session.Close())

	select {
	case _, ok := <-conn.Recv():
		s.False(ok)
	case <-time.After(5 * time.Second):
		s.FailNow("recv channel not closed")
	}
	s.NoError(conn.Err())
	s.True(errors.Is(conn.Emit("register", nil), merr.ErrConnectionClosed))
}

func (s *ConnectorSuite) TestDialNotListening() {
	s.Require().NoError(s.source.Close())

	_, err := NewWSConnector(Config{}).Dial(context.Background(), s.url, nil)
	s.True(errors.Is(err, network.ErrHandshakeFailed))
	s.Contains(err.Error(), "503")
}

func (s *ConnectorSuite) TestDialCanceled() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewWSConnector(Config{}).Dial(ctx, s.url, http.Header{})
	s.Error(err)
}

func TestConnector(t *testing.T) {
	suite.Run(t, new(ConnectorSuite))
}
