package etcd

import (
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/etcdserver/api/v3client"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/pkg/log"
)

// EmbedConfig 描述嵌入式 etcd 的启动参数，主要用于开发与单机部署。
type EmbedConfig struct {
	ConfigPath   string        `mapstructure:"configPath"`
	DataDir      string        `mapstructure:"dataDir"`
	LogPath      string        `mapstructure:"logPath"`
	LogLevel     string        `mapstructure:"logLevel"`
	ClientURL    string        `mapstructure:"clientURL"`
	PeerURL      string        `mapstructure:"peerURL"`
	ReadyTimeout time.Duration `mapstructure:"readyTimeout"`
}

// 嵌入式 etcd 服务的单例实例。
var (
	initOnce   sync.Once
	closeOnce  sync.Once
	etcdServer *embed.Etcd
)

// GetEmbedEtcdClient 返回嵌入式 etcd 服务对应的 v3 客户端。
func GetEmbedEtcdClient() (*clientv3.Client, error) {
	if etcdServer == nil {
		return nil, errors.New("embedded etcd server not initialized")
	}
	return v3client.New(etcdServer.Server), nil
}

// InitEtcdServer 初始化嵌入式 etcd 单例服务并等待其就绪。
func InitEtcdServer(cfg EmbedConfig) error {
	var initError error
	initOnce.Do(func() {
		initError = startEtcd(cfg)
	})
	return initError
}

func startEtcd(c EmbedConfig) error {
	var cfg *embed.Config
	if len(c.ConfigPath) > 0 {
		cfgFromFile, err := embed.ConfigFromFile(c.ConfigPath)
		if err != nil {
			return errors.Wrapf(err, "load embedded etcd config %s", c.ConfigPath)
		}
		cfg = cfgFromFile
	} else {
		cfg = embed.NewConfig()
	}
	if c.DataDir != "" {
		cfg.Dir = c.DataDir
	}
	if c.LogPath != "" {
		cfg.LogOutputs = []string{c.LogPath}
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.ClientURL != "" {
		u, err := url.Parse(c.ClientURL)
		if err != nil {
			return errors.Wrapf(err, "parse client url %s", c.ClientURL)
		}
		cfg.ListenClientUrls = []url.URL{*u}
		cfg.AdvertiseClientUrls = []url.URL{*u}
	}
	if c.PeerURL != "" {
		u, err := url.Parse(c.PeerURL)
		if err != nil {
			return errors.Wrapf(err, "parse peer url %s", c.PeerURL)
		}
		cfg.ListenPeerUrls = []url.URL{*u}
		cfg.AdvertisePeerUrls = []url.URL{*u}
		cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
	}

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		log.Error("failed to init embedded Etcd server", zap.Error(err))
		return err
	}

	timeout := c.ReadyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(timeout):
		e.Close()
		return errors.Newf("embedded etcd not ready after %s", timeout)
	}

	etcdServer = e
	log.Info("embedded Etcd server ready", zap.String("path", c.ConfigPath), zap.String("data", cfg.Dir))
	return nil
}

func HasServer() bool {
	return etcdServer != nil
}

// StopEtcdServer stops embedded etcd server singleton.
func StopEtcdServer() {
	if etcdServer != nil {
		closeOnce.Do(func() {
			etcdServer.Close()
		})
	}
}
