package application

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-push-go/internal/json"
	network "github.com/lk2023060901/danmu-push-go/internal/network"
	"github.com/lk2023060901/danmu-push-go/internal/network/connector"
	"github.com/lk2023060901/danmu-push-go/internal/pushchannel"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/metrics"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type ApplicationSuite struct {
	suite.Suite

	app    *Application
	server *httptest.Server
}

func TestApplication(t *testing.T) {
	suite.Run(t, new(ApplicationSuite))
}

func (s *ApplicationSuite) SetupSuite() {
	logger, props, err := log.InitTestLogger(s.T(), &log.Config{Level: "info"})
	s.Require().NoError(err)
	log.ReplaceGlobals(logger, props)
	metrics.Register(prometheus.DefaultRegisterer)
}

func (s *ApplicationSuite) SetupTest() {
	cfg := &Config{
		Channel: pushchannel.Config{Tag: "app-test", Path: "/push"},
		Store:   StoreConfig{Type: StoreTypeMemory},
	}
	app, err := New(cfg, nil)
	s.Require().NoError(err)
	s.Require().NoError(app.Start(context.Background()))
	s.app = app
	s.server = httptest.NewServer(app.Handler())
}

func (s *ApplicationSuite) TearDownTest() {
	s.NoError(s.app.Close(context.Background()))
	s.server.Close()
}

func (s *ApplicationSuite) do(method, path, body string) (int, string) {
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	s.Require().NoError(err)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, string(data)
}

func (s *ApplicationSuite) devices() devicesBody {
	status, body := s.do(http.MethodGet, "/api/v1/devices", "")
	s.Require().Equal(http.StatusOK, status)
	var out devicesBody
	s.Require().NoError(json.Unmarshal([]byte(body), &out))
	return out
}

// connect 建立设备连接并完成注册，返回连接与分配到的 deviceId。
func (s *ApplicationSuite) connect(userID string) (connector.ClientConn, string) {
	before := s.devices().Devices
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/push"
	conn, err := connector.NewWSConnector(connector.Config{}).Dial(context.Background(), url, nil)
	s.Require().NoError(err)
	s.Require().NoError(conn.Register(userID))

	var deviceID string
	s.Require().Eventually(func() bool {
		for _, id := range s.devices().Devices {
			if !slices.Contains(before, id) {
				deviceID = id
				return true
			}
		}
		return false
	}, waitFor, tick)
	return conn, deviceID
}

func (s *ApplicationSuite) TestHealth() {
	status, body := s.do(http.MethodGet, "/healthz", "")
	s.Equal(http.StatusOK, status)
	s.JSONEq(`{"channel":"app-test","state":"RUNNING"}`, body)

	s.Require().NoError(s.app.Channel().Stop())
	status, body = s.do(http.MethodGet, "/healthz", "")
	s.Equal(http.StatusServiceUnavailable, status)
	s.Contains(body, "STOPPED")
}

func (s *ApplicationSuite) TestPushToRegisteredDevice() {
	conn, deviceID := s.connect("user-1")
	defer conn.Close()

	status, body := s.do(http.MethodPost, "/api/v1/devices/"+deviceID+"/push", `{"title":"hi","n":1}`)
	s.Equal(http.StatusAccepted, status, body)

	select {
	case frame := <-conn.Recv():
		s.Equal(network.EventNamePushMessage, frame.Event)
		s.JSONEq(`{"title":"hi","n":1}`, string(frame.Data))
	case <-time.After(waitFor):
		s.FailNow("push not received")
	}
}

func (s *ApplicationSuite) TestPushErrors() {
	status, body := s.do(http.MethodPost, "/api/v1/devices/nobody/push", `{}`)
	s.Equal(http.StatusNotFound, status)
	s.Contains(body, errCodeNotConnected)

	status, body = s.do(http.MethodPost, "/api/v1/devices/nobody/push", `{not json`)
	s.Equal(http.StatusBadRequest, status)
	s.Contains(body, errCodeBadRequest)
}

func (s *ApplicationSuite) TestUnregisterDevice() {
	conn, deviceID := s.connect("user-2")
	defer conn.Close()

	status, body := s.do(http.MethodDelete, "/api/v1/devices/"+deviceID, "")
	s.Equal(http.StatusOK, status)
	s.JSONEq(`{"deviceId":"`+deviceID+`","bound":true}`, body)

	status, _ = s.do(http.MethodPost, "/api/v1/devices/"+deviceID+"/push", `{}`)
	s.Equal(http.StatusNotFound, status)

	// 连接仍在线，只是不再绑定设备。
	list := s.devices()
	s.Equal(1, list.Connections)
	s.Empty(list.Devices)

	status, _ = s.do(http.MethodDelete, "/api/v1/devices/"+deviceID, "")
	s.Equal(http.StatusOK, status)
}

func (s *ApplicationSuite) TestUnregisterWhenStopped() {
	s.Require().NoError(s.app.Channel().Stop())
	status, _ := s.do(http.MethodDelete, "/api/v1/devices/any", "")
	s.Equal(http.StatusServiceUnavailable, status)
}

func (s *ApplicationSuite) TestDisconnectRemovesDevice() {
	conn, deviceID := s.connect("user-3")
	s.Require().NoError(conn.Close())

	s.Eventually(func() bool {
		return !slices.Contains(s.devices().Devices, deviceID)
	}, waitFor, tick)
}

func (s *ApplicationSuite) TestInstancesRequireEtcd() {
	status, _ := s.do(http.MethodGet, "/api/v1/instances", "")
	s.Equal(http.StatusNotImplemented, status)
}

func (s *ApplicationSuite) TestMetrics() {
	status, body := s.do(http.MethodGet, "/metrics", "")
	s.Equal(http.StatusOK, status)
	s.Contains(body, "push_channel_state")
}
