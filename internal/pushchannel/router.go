package pushchannel

import (
	"context"

	"go.uber.org/zap"

	network "github.com/lk2023060901/danmu-push-go/internal/network"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/metrics"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// Router 按设备 ID 投递消息，只读注册表。
//
// 每次调用至多向传输层发出一次 push-message，不排队、不重试。
type Router struct {
	log.Binder

	channel  string
	registry *Registry
}

func newRouter(channel string, registry *Registry) *Router {
	r := &Router{channel: channel, registry: registry}
	r.SetLogger(log.With(log.FieldComponent("router"), log.FieldChannel(channel)).
		WithRateGroup("pushchannel.router."+channel, 1, 60))
	return r
}

// Send 将 message 投递给 deviceID 当前绑定的连接。
//
// 设备不在线时返回 ErrDeviceNotConnected；传输层拒绝时返回 ErrDeliveryFailed。
func (r *Router) Send(ctx context.Context, deviceID string, message any) error {
	sess, ok := r.registry.Lookup(deviceID)
	if !ok {
		metrics.ChannelDeliveryTotal.WithLabelValues(r.channel, metrics.DeliveryMiss).Inc()
		r.Logger().RatedWarn(1, "device not connected, drop message", log.FieldDeviceID(deviceID))
		return merr.WrapErrDeviceNotConnected(deviceID)
	}

	// 会话发送与注册表锁无关。
	if err := sess.Emit(network.EventNamePushMessage, message); err != nil {
		metrics.ChannelDeliveryTotal.WithLabelValues(r.channel, metrics.DeliveryFailed).Inc()
		log.Ctx(ctx).Warn("push message emit failed",
			log.FieldChannel(r.channel), log.FieldDeviceID(deviceID), zap.Error(err))
		return merr.WrapErrDeliveryFailed(deviceID, err)
	}

	metrics.ChannelDeliveryTotal.WithLabelValues(r.channel, metrics.DeliveryHit).Inc()
	log.Ctx(ctx).Debug("push message sent", log.FieldChannel(r.channel), log.FieldDeviceID(deviceID))
	return nil
}
