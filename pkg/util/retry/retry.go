// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/util/funcutil"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return file + ":" + strconv.Itoa(line)
}

// Do 使用重试机制执行 fn，直到成功、遇到不可重试的错误、次数用尽或 ctx 结束。
//
// 两次尝试之间的休眠从 Sleep 开始指数增长，上限为 MaxSleepTime。
// 因 ctx 结束而放弃时返回上一次业务错误（若有），便于调用方看到真实原因。
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	if !funcutil.CheckCtxValid(ctx) {
		return ctx.Err()
	}

	logger := log.Ctx(ctx)
	c := newDefaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	caller := getCaller(2)

	// giveUp 在放弃重试时决定返回值：ctx 类错误优先返回此前的业务错误。
	giveUp := func(reason string, i uint, err, lastErr error) error {
		isContextErr := merr.IsCanceledOrTimeout(err)
		logger.Warn("retry func failed, "+reason,
			zap.Uint("retried", i),
			zap.Uint("attempt", c.attempts),
			zap.Bool("isContextErr", isContextErr),
			zap.String("caller", caller))
		if isContextErr && lastErr != nil {
			return lastErr
		}
		return err
	}

	var lastErr error
	for i := uint(0); c.attempts == 0 || i < c.attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if i%4 == 0 {
			logger.Warn("retry func failed",
				zap.Uint("retried", i),
				zap.Error(err),
				zap.String("caller", caller))
		}

		if !IsRecoverable(err) {
			return giveUp("not be recoverable", i, err, lastErr)
		}
		if c.isRetryErr != nil && !c.isRetryErr(err) {
			return giveUp("not be retryable", i, err, lastErr)
		}
		// 最后一次尝试失败后不再休眠
		if c.attempts > 0 && i+1 == c.attempts {
			lastErr = err
			break
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < c.sleep {
			return giveUp("deadline", i, err, lastErr)
		}

		lastErr = err
		select {
		case <-time.After(c.sleep):
		case <-ctx.Done():
			logger.Warn("retry func failed, ctx done",
				zap.Uint("retried", i),
				zap.String("caller", caller))
			return lastErr
		}

		c.sleep *= 2
		if c.sleep > c.maxSleepTime {
			c.sleep = c.maxSleepTime
		}
	}
	if lastErr != nil {
		logger.Warn("retry func failed, reach max retry",
			zap.Uint("attempt", c.attempts),
			zap.String("caller", caller))
	}
	return lastErr
}

// errUnrecoverable 表示不可恢复错误的标记实例。
var errUnrecoverable = errors.New("unrecoverable error")

// Unrecoverable 将错误包装为不可恢复错误，Do 遇到后立即返回。
func Unrecoverable(err error) error {
	return merr.Combine(err, errUnrecoverable)
}

// IsRecoverable 判断给定错误是否为“可恢复”错误。
func IsRecoverable(err error) bool {
	return !errors.Is(err, errUnrecoverable)
}
