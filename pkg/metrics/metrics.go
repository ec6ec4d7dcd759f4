// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package metrics

import (
	// #nosec
	_ "net/http/pprof"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// pushNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	pushNamespace = "push"

	channelSubsystem = "channel"

	ChannelLabelName = "channel"
	ResultLabelName  = "result"
	OpLabelName      = "op"
	KindLabelName    = "kind"
)

// 投递结果
const (
	DeliveryHit    = "hit"
	DeliveryMiss   = "miss"
	DeliveryFailed = "failed"
)

// 存储操作与结果
const (
	StoreOpUpsert     = "upsert"
	StoreOpUnregister = "unregister"
	StoreOpReconcile  = "reconcile"

	StoreResultSuccess    = "success"
	StoreResultFailed     = "failed"
	StoreResultUnexpected = "unexpected_count"
)

// 注册表不一致类型
const (
	InconsistencyDuplicatedConnect = "duplicated_connect"
	InconsistencyUnknownConnection = "unknown_connection"
	InconsistencyUnexpectedCount   = "unexpected_count"
)

var (
	// buckets 为耗时直方图的桶划分，单位为毫秒。
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768]
	buckets = prometheus.ExponentialBuckets(1, 2, 16)

	ChannelConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: pushNamespace,
			Subsystem: channelSubsystem,
			Name:      "connections",
			Help:      "number of live connections held by the registry",
		}, []string{ChannelLabelName})

	ChannelRegisteredDevices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: pushNamespace,
			Subsystem: channelSubsystem,
			Name:      "registered_devices",
			Help:      "number of device ids bound to a live connection",
		}, []string{ChannelLabelName})

	ChannelDeliveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: pushNamespace,
			Subsystem: channelSubsystem,
			Name:      "delivery_total",
			Help:      "push attempts grouped by result",
		}, []string{ChannelLabelName, ResultLabelName})

	ChannelStoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: pushNamespace,
			Subsystem: channelSubsystem,
			Name:      "store_ops_total",
			Help:      "device store writes grouped by operation and result",
		}, []string{ChannelLabelName, OpLabelName, ResultLabelName})

	ChannelStoreOpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: pushNamespace,
			Subsystem: channelSubsystem,
			Name:      "store_op_latency",
			Help:      "latency of device store writes in milliseconds",
			Buckets:   buckets,
		}, []string{ChannelLabelName, OpLabelName})

	ChannelStoreBusyWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: pushNamespace,
			Subsystem: channelSubsystem,
			Name:      "store_busy_workers",
			Help:      "store writer workers currently executing a device store write",
		}, []string{ChannelLabelName})

	ChannelInconsistenciesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: pushNamespace,
			Subsystem: channelSubsystem,
			Name:      "inconsistencies_total",
			Help:      "registry inconsistencies observed, by kind",
		}, []string{ChannelLabelName, KindLabelName})

	ChannelState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: pushNamespace,
			Subsystem: channelSubsystem,
			Name:      "state",
			Help:      "lifecycle state of the channel (0 stopped, 1 starting, 2 running, 3 stopping)",
		}, []string{ChannelLabelName})

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册推送通道的全部指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(ChannelConnections)
		r.MustRegister(ChannelRegisteredDevices)
		r.MustRegister(ChannelDeliveryTotal)
		r.MustRegister(ChannelStoreOpsTotal)
		r.MustRegister(ChannelStoreOpLatency)
		r.MustRegister(ChannelStoreBusyWorkers)
		r.MustRegister(ChannelInconsistenciesTotal)
		r.MustRegister(ChannelState)
		metricRegisterer = r
	})
}

// CleanupChannelMetrics 删除指定通道的所有指标序列。
func CleanupChannelMetrics(channel string) {
	labels := prometheus.Labels{ChannelLabelName: channel}
	ChannelConnections.Delete(labels)
	ChannelRegisteredDevices.Delete(labels)
	ChannelState.Delete(labels)
	ChannelStoreBusyWorkers.Delete(labels)
	ChannelDeliveryTotal.DeletePartialMatch(labels)
	ChannelStoreOpsTotal.DeletePartialMatch(labels)
	ChannelStoreOpLatency.DeletePartialMatch(labels)
	ChannelInconsistenciesTotal.DeletePartialMatch(labels)
}
