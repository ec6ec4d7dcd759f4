// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sessionutil 将推送进程实例以租约键的形式登记到 etcd，进程退出或租约过期后自动下线。
package sessionutil

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/json"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
	"github.com/lk2023060901/danmu-push-go/pkg/util/retry"
)

const (
	// DefaultServiceRoot 为实例键在 etcd 中的默认子目录。
	DefaultServiceRoot = "instances"

	defaultSessionTTL        int64 = 30
	defaultSessionRetryTimes uint  = 10

	revokeTimeout = time.Second
)

var errInstanceKeyExists = errors.New("instance key already exists")

// SessionRaw 为实例登记的持久化部分。
type SessionRaw struct {
	InstanceID string    `json:"instanceId"`
	Channel    string    `json:"channel"`
	Address    string    `json:"address"`
	Path       string    `json:"path"`
	StartedAt  time.Time `json:"startedAt"`
}

// SessionOption 调整 Session 的可选参数。
type SessionOption func(*Session)

// WithTTL 设置租约 TTL，单位秒。
func WithTTL(ttl int64) SessionOption {
	return func(s *Session) { s.sessionTTL = ttl }
}

// WithRetryTimes 设置登记失败时的重试次数。
func WithRetryTimes(n uint) SessionOption {
	return func(s *Session) { s.sessionRetryTimes = n }
}

// Session 表示当前进程在 etcd 中的一条实例登记。
//
// Register 成功后后台协程持续续约，租约过期时重新申请租约并写回实例键；
// Stop 结束续约并撤销租约，键随之删除。
type Session struct {
	log.Binder
	SessionRaw

	etcdCli  *clientv3.Client
	metaRoot string
	leaseID  atomic.Int64

	sessionTTL        int64
	sessionRetryTimes uint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession 创建尚未登记的 Session。metaRoot 为 etcd 根路径。
func NewSession(ctx context.Context, metaRoot string, client *clientv3.Client, channel, address, listenPath string, opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		SessionRaw: SessionRaw{
			InstanceID: uuid.NewString(),
			Channel:    channel,
			Address:    address,
			Path:       listenPath,
		},
		etcdCli:           client,
		metaRoot:          metaRoot,
		sessionTTL:        defaultSessionTTL,
		sessionRetryTimes: defaultSessionRetryTimes,
		ctx:               ctx,
		cancel:            cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.SetLogger(log.With(
		log.FieldComponent("session"),
		log.FieldChannel(channel),
		zap.String("instanceID", s.InstanceID),
	))
	return s
}

func (s *Session) String() string {
	return s.Channel + "/" + s.InstanceID
}

func (s *Session) servicePrefix() string {
	return path.Join(s.metaRoot, DefaultServiceRoot) + "/"
}

func (s *Session) getCompleteKey() string {
	return path.Join(s.metaRoot, DefaultServiceRoot, s.InstanceID)
}

func (s *Session) lease() clientv3.LeaseID {
	return clientv3.LeaseID(s.leaseID.Load())
}

// Register 申请租约并写入实例键，随后启动续约循环。
func (s *Session) Register() error {
	s.StartedAt = time.Now()
	s.Logger().Info("instance begin to register to etcd", zap.String("key", s.getCompleteKey()))

	registerFn := func() error {
		err := s.grantAndPut()
		if errors.Is(err, errInstanceKeyExists) {
			return retry.Unrecoverable(err)
		}
		return err
	}
	if err := retry.Do(s.ctx, registerFn, retry.Attempts(s.sessionRetryTimes)); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.processKeepAliveResponse()
	return nil
}

// grantAndPut 申请新租约并在实例键不存在时写入，失败时撤销本次申请的租约。
func (s *Session) grantAndPut() error {
	completeKey := s.getCompleteKey()
	value, err := json.Marshal(s.SessionRaw)
	if err != nil {
		return retry.Unrecoverable(err)
	}

	resp, err := s.etcdCli.Grant(s.ctx, s.sessionTTL)
	if err != nil {
		s.Logger().Error("register instance: failed to grant lease from etcd", zap.Error(err))
		return err
	}

	txnResp, err := s.etcdCli.Txn(s.ctx).If(
		clientv3.Compare(clientv3.Version(completeKey), "=", 0)).
		Then(clientv3.OpPut(completeKey, string(value), clientv3.WithLease(resp.ID))).Commit()
	if err != nil {
		s.Logger().Warn("register on etcd error, check the availability of etcd", zap.Error(err))
		s.revoke(resp.ID)
		return err
	}
	if !txnResp.Succeeded {
		s.revoke(resp.ID)
		return errors.Wrap(errInstanceKeyExists, completeKey)
	}
	s.leaseID.Store(int64(resp.ID))
	s.Logger().Info("instance registered", zap.String("key", completeKey), zap.Int64("leaseID", int64(resp.ID)))
	return nil
}

// revoke 撤销租约，使用独立的超时上下文，s.ctx 结束后仍可调用。
func (s *Session) revoke(leaseID clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
	defer cancel()
	if _, err := s.etcdCli.Revoke(ctx, leaseID); err != nil {
		s.Logger().Warn("failed to revoke lease", zap.Error(err), zap.Int64("leaseID", int64(leaseID)))
		return
	}
	s.Logger().Info("lease revoked", zap.Int64("leaseID", int64(leaseID)))
}

// leaseExpired 查询当前租约是否已不存在。
func (s *Session) leaseExpired() (bool, error) {
	resp, err := s.etcdCli.TimeToLive(s.ctx, s.lease())
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return resp.TTL <= 0, nil
}

// processKeepAliveResponse 维持租约，KeepAlive 通道断开时按指数退避重建；
// 租约已过期（实例键随之被删除）时重新登记。
func (s *Session) processKeepAliveResponse() {
	defer func() {
		s.revoke(s.lease())
		s.wg.Done()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for {
		if s.ctx.Err() != nil {
			return
		}
		if lastErr != nil {
			next := bo.NextBackOff()
			s.Logger().Warn("keep alive failed, wait for retry", zap.Error(lastErr), zap.Duration("nextBackoffInterval", next))
			select {
			case <-time.After(next):
			case <-s.ctx.Done():
				return
			}

			expired, err := s.leaseExpired()
			if err != nil {
				lastErr = errors.Wrap(err, "failed to query lease")
				continue
			}
			if expired {
				s.Logger().Warn("lease expired, register instance again", zap.Int64("leaseID", int64(s.lease())))
				if err := s.grantAndPut(); err != nil {
					lastErr = errors.Wrap(err, "failed to register instance again")
					continue
				}
			}
		}

		ch, err := s.etcdCli.KeepAlive(s.ctx, s.lease())
		if err != nil {
			lastErr = errors.Wrap(err, "failed to keep alive")
			continue
		}
		// 阻塞直到 KeepAlive 通道关闭（网络错误、租约过期或 ctx 结束）。
		alive := false
		for range ch {
			alive = true
		}
		if alive {
			bo.Reset()
		}
		lastErr = errors.New("keep alive channel closed")
	}
}

// GetSessions 返回 metaRoot 下所有在线实例。
func (s *Session) GetSessions(ctx context.Context) ([]SessionRaw, error) {
	resp, err := s.etcdCli.Get(ctx, s.servicePrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, merr.WrapErrIoFailed(s.servicePrefix(), err)
	}
	res := make([]SessionRaw, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var raw SessionRaw
		if err := json.Unmarshal(kv.Value, &raw); err != nil {
			s.Logger().Warn("skip malformed instance key", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		res = append(res, raw)
	}
	return res, nil
}

// Stop 结束续约并撤销租约。
func (s *Session) Stop() {
	s.cancel()
	s.wg.Wait()
}
