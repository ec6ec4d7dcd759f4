// pushctl 是设备侧调试客户端：连接推送服务、以指定用户注册并打印收到的推送，断线后自动重连。
//
// 用法：
//
//	pushctl --url ws://127.0.0.1:8080/push --user alice
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/network"
	"github.com/lk2023060901/danmu-push-go/internal/network/connector"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
)

type options struct {
	url         string
	userID      string
	maxInterval time.Duration
	maxRetries  uint64
}

func main() {
	var opts options
	pflag.StringVar(&opts.url, "url", "ws://127.0.0.1:8080/push", "push channel websocket url")
	pflag.StringVar(&opts.userID, "user", "", "user id to register with (required)")
	pflag.DurationVar(&opts.maxInterval, "max-backoff", 30*time.Second, "max reconnect interval")
	pflag.Uint64Var(&opts.maxRetries, "max-retries", 0, "give up after this many consecutive failures, 0 means never")
	pflag.Parse()

	if opts.userID == "" {
		fmt.Fprintln(os.Stderr, "pushctl: --user is required")
		pflag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "pushctl: %v\n", err)
		os.Exit(1)
	}
}

// run 维持一条已注册的连接，连接断开后按指数退避重连。
func run(ctx context.Context, opts options) error {
	dialer := connector.NewWSConnector(connector.Config{})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = opts.maxInterval
	bo.MaxElapsedTime = 0

	var policy backoff.BackOff = bo
	if opts.maxRetries > 0 {
		policy = backoff.WithMaxRetries(bo, opts.maxRetries)
	}

	return backoff.RetryNotify(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		err := session(ctx, dialer, opts, bo.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		log.Warn("connection lost, reconnecting", zap.Error(err), zap.Duration("after", next))
	})
}

// session 完成一次连接、注册与接收，直到连接结束。注册成功后调用 registered。
func session(ctx context.Context, dialer connector.Connector, opts options, registered func()) error {
	conn, err := dialer.Dial(ctx, opts.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Register(opts.userID); err != nil {
		return errors.Wrap(err, "register")
	}
	registered()
	log.Info("registered", zap.String("url", opts.url), zap.String("user", opts.userID),
		zap.Stringer("local", conn.LocalAddr()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-conn.Recv():
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return errors.New("connection closed by server")
			}
			if frame.Event != network.EventNamePushMessage {
				log.Debug("ignore event", zap.String("event", frame.Event))
				continue
			}
			fmt.Printf("%s %s\n", time.Now().Format(time.RFC3339), string(frame.Data))
		}
	}
}
