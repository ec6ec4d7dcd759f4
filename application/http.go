package application

import (
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/devicestore"
	"github.com/lk2023060901/danmu-push-go/internal/json"
	"github.com/lk2023060901/danmu-push-go/internal/pushchannel"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// maxPushBodyBytes 为单条推送消息体的上限。
const maxPushBodyBytes = 1 << 20

// 错误响应中的 code 字段。
const (
	errCodeBadRequest   = "bad_request"
	errCodeNotConnected = "device_not_connected"
	errCodeDelivery     = "delivery_failed"
	errCodeUnavailable  = "unavailable"
	errCodeInternal     = "internal_error"
)

// errorBody 是 API 的错误响应体。
type errorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// devicesBody 是 GET /api/v1/devices 的响应体。
type devicesBody struct {
	Channel     string   `json:"channel"`
	State       string   `json:"state"`
	Connections int      `json:"connections"`
	Devices     []string `json:"devices"`
}

type healthBody struct {
	Channel string `json:"channel"`
	State   string `json:"state"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn("encode http response failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Status: status, Code: code, Message: message})
}

// buildRouter 组装 WebSocket 接入点与管理 API。
func (a *Application) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// WebSocket 升级需要原始 ResponseWriter（Hijacker），不挂访问日志中间件。
	r.Get(a.channel.Path(), a.acceptor.ServeHTTP)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.loggingMiddleware)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", a.handleListDevices)
			r.Route("/{deviceId}", func(r chi.Router) {
				r.Delete("/", a.handleUnregisterDevice)
				r.Post("/push", a.handlePush)
			})
		})
		r.Get("/instances", a.handleListInstances)
	})
	return r
}

// loggingMiddleware 记录每个管理请求的方法、路径、状态码与耗时，
// 并把请求 ID 放入上下文日志，下游 log.Ctx 输出都会带上该字段。
func (a *Application) loggingMiddleware(next http.Handler) http.Handler {
	logger := a.Logger("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(log.WithRequestID(r.Context(), requestID)))
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("durationMs", time.Since(start).Milliseconds()),
			log.FieldRequestID(requestID),
		)
	})
}

func (a *Application) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := a.channel.State()
	status := http.StatusOK
	if state != pushchannel.StateRunning {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthBody{Channel: a.channel.ChannelID(), State: state.String()})
}

func (a *Application) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	registry := a.channel.Registry()
	devices := registry.DeviceIDs().Collect()
	slices.Sort(devices)
	writeJSON(w, http.StatusOK, devicesBody{
		Channel:     a.channel.ChannelID(),
		State:       a.channel.State().String(),
		Connections: registry.Len(),
		Devices:     devices,
	})
}

// handlePush 将请求体作为 push-message 的数据原样投递给设备。
func (a *Application) handlePush(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "read body: "+err.Error())
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "body must be valid JSON")
		return
	}

	err = a.channel.Send(r.Context(), devicestore.Device{DeviceID: deviceID}, json.RawMessage(body))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"deviceId": deviceID})
	case errors.Is(err, merr.ErrDeviceNotConnected):
		writeError(w, http.StatusNotFound, errCodeNotConnected, err.Error())
	case errors.Is(err, merr.ErrDeliveryFailed):
		writeError(w, http.StatusBadGateway, errCodeDelivery, err.Error())
	default:
		log.Ctx(r.Context()).Warn("push failed", log.FieldDeviceID(deviceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
	}
}

// handleUnregisterDevice 显式注销设备；设备不在线时仍会标记存储记录。
func (a *Application) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	if a.channel.State() != pushchannel.StateRunning {
		writeError(w, http.StatusServiceUnavailable, errCodeUnavailable, "push channel not running")
		return
	}
	deviceID := chi.URLParam(r, "deviceId")
	bound := a.channel.Unregister(deviceID)
	log.Ctx(r.Context()).Info("device unregistered by api", log.FieldDeviceID(deviceID), zap.Bool("bound", bound))
	writeJSON(w, http.StatusOK, map[string]any{"deviceId": deviceID, "bound": bound})
}

func (a *Application) handleListInstances(w http.ResponseWriter, r *http.Request) {
	if a.session == nil {
		writeError(w, http.StatusNotImplemented, errCodeUnavailable, "instance registry requires the etcd store")
		return
	}
	sessions, err := a.session.GetSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}
