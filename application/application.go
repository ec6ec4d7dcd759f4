// Package application 装配推送服务进程：配置、日志、设备存储、推送通道与 HTTP 接入。
package application

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/danmu-push-go/internal/devicestore"
	"github.com/lk2023060901/danmu-push-go/internal/network/acceptor"
	"github.com/lk2023060901/danmu-push-go/internal/pushchannel"
	"github.com/lk2023060901/danmu-push-go/internal/util/sessionutil"
	zlog "github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/metrics"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
	"github.com/lk2023060901/danmu-push-go/pkg/util/retry"
	zviper "github.com/lk2023060901/danmu-push-go/pkg/util/viper"
)

// Application 是推送服务的运行时容器，持有配置与全部依赖。
type Application struct {
	cfg     *Config
	loggers map[string]*zlog.MLogger

	store    devicestore.Store
	channel  *pushchannel.Channel
	acceptor *acceptor.Acceptor
	session  *sessionutil.Session
	server   *http.Server
}

// New 按配置打开设备存储并创建（未启动的）推送通道。
func New(cfg *Config, loggers map[string]*zlog.MLogger) (*Application, error) {
	cfg.normalize()
	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, errors.Wrap(err, "open device store")
	}

	a := &Application{
		cfg:      cfg,
		loggers:  loggers,
		store:    store,
		channel:  pushchannel.NewChannel(cfg.Channel, store),
		acceptor: acceptor.NewAcceptor(cfg.Transport),
	}
	if lg, ok := loggers["channel"]; ok {
		a.channel.SetLogger(lg.With(zlog.FieldChannel(a.channel.ChannelID())))
	}
	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.buildRouter(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	return a, nil
}

// Run 是进程入口：解析参数与配置，启动通道与 HTTP 服务，直到 ctx 结束后优雅退出。
//
// 配置文件路径优先级：
//  1. 默认：./config.yaml
//  2. 环境变量：PUSH_CONFIG_FILE_PATH
//  3. 命令行：--config <path> 或 --config=<path>
func Run(ctx context.Context, args []string) error {
	v, cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if err := initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	defer func() { _ = zlog.Sync() }()

	loggers, err := initModuleLoggers(v)
	if err != nil {
		return err
	}
	logConfigSource(v)

	metrics.Register(prometheus.DefaultRegisterer)

	a, err := New(cfg, loggers)
	if err != nil {
		return err
	}
	return a.Serve(ctx)
}

func logConfigSource(v *zviper.Config) {
	if file := v.ConfigFileUsed(); file != "" {
		zlog.Info("config loaded", zap.String("file", file))
	} else {
		zlog.Info("no config file found, using defaults and environment")
	}
}

// Logger 返回配置中的具名日志，未配置时回退到全局日志。
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

// Channel 返回推送通道。
func (a *Application) Channel() *pushchannel.Channel {
	return a.channel
}

// Handler 返回 HTTP 处理器（WebSocket 接入点与管理 API）。
func (a *Application) Handler() http.Handler {
	return a.server.Handler
}

// Start 启动推送通道。清理遗留记录失败时通道保持停止，按 server.startAttempts 重试。
// 设备存储为 etcd 时同时登记实例。
func (a *Application) Start(ctx context.Context) error {
	err := retry.Do(ctx, func() error {
		return a.channel.Start(ctx, a.acceptor)
	}, retry.Attempts(a.cfg.Server.StartAttempts), retry.Sleep(200*time.Millisecond), retry.MaxSleepTime(5*time.Second))
	if err != nil {
		return errors.Wrap(err, "start push channel")
	}

	if es, ok := a.store.(*devicestore.EtcdStore); ok {
		a.session = sessionutil.NewSession(ctx, a.cfg.Store.Etcd.RootPath, es.Client(),
			a.channel.ChannelID(), a.cfg.Server.Addr, a.channel.Path())
		if err := a.session.Register(); err != nil {
			a.Logger("application").Warn("register instance failed", zap.Error(err))
			a.session = nil
		}
	}
	return nil
}

// Serve 启动通道与 HTTP 服务并阻塞，ctx 结束后关闭全部资源。
func (a *Application) Serve(ctx context.Context) error {
	logger := a.Logger("application")
	if err := a.Start(ctx); err != nil {
		return merr.Combine(err, a.Close(context.Background()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", a.server.Addr),
			zap.String("channelPath", a.channel.Path()))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		// 先停止通道（关闭全部 WebSocket 会话），再关闭 HTTP 服务。
		closeErr := a.Close(shutdownCtx)
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			closeErr = merr.Combine(closeErr, errors.Wrap(err, "shutdown http server"))
		}
		return closeErr
	})
	return g.Wait()
}

// Close 注销实例、停止通道、等待存储写入完成并关闭存储。可重复调用。
func (a *Application) Close(ctx context.Context) error {
	if a.session != nil {
		a.session.Stop()
		a.session = nil
	}
	var errs []error
	if err := a.channel.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.acceptor.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
		a.store = nil
	}
	return merr.Combine(errs...)
}
