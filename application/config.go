package application

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/danmu-push-go/internal/devicestore"
	"github.com/lk2023060901/danmu-push-go/internal/network/acceptor"
	"github.com/lk2023060901/danmu-push-go/internal/pushchannel"
	zviper "github.com/lk2023060901/danmu-push-go/pkg/util/viper"
)

const (
	envPrefix         = "PUSH"
	envConfigFilePath = "PUSH_CONFIG_FILE_PATH"
	defaultConfigPath = "./config.yaml"
)

// 存储后端类型。
const (
	StoreTypeMemory = "memory"
	StoreTypeSQLite = "sqlite"
	StoreTypeEtcd   = "etcd"
)

// ServerConfig 对应配置文件 server 段。
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdownTimeout"`
	// StartAttempts 为通道启动失败（清理遗留记录失败）时的最大尝试次数。
	StartAttempts uint `mapstructure:"startAttempts"`
}

// StoreConfig 对应配置文件 store 段。
type StoreConfig struct {
	Type   string                   `mapstructure:"type"`
	SQLite devicestore.SQLiteConfig `mapstructure:"sqlite"`
	Etcd   devicestore.EtcdConfig   `mapstructure:"etcd"`
}

// Config 为推送服务的完整配置。
//
// 示例：
//
//	server:
//	  addr: :8080
//	channel:
//	  tag: websocket
//	  path: /push
//	transport:
//	  sendQueueSize: 256
//	store:
//	  type: sqlite
//	  sqlite:
//	    path: ./data/push.db
type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Channel   pushchannel.Config `mapstructure:"channel"`
	Transport acceptor.Config    `mapstructure:"transport"`
	Store     StoreConfig        `mapstructure:"store"`
}

// normalize 补齐未经 loadConfig 构造的配置中的必要字段。
func (c *Config) normalize() {
	if c.Server.StartAttempts == 0 {
		c.Server.StartAttempts = 1
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
}

// setDefaults 注册默认值。只有注册过的 key 才能被 PUSH_* 环境变量覆盖。
func setDefaults(v *zviper.Config) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.readHeaderTimeout", 10*time.Second)
	v.SetDefault("server.shutdownTimeout", 10*time.Second)
	v.SetDefault("server.startAttempts", 10)

	v.SetDefault("channel.tag", pushchannel.DefaultTag)
	v.SetDefault("channel.path", pushchannel.DefaultPath)
	v.SetDefault("channel.hardDelete", false)
	v.SetDefault("channel.storePoolSize", 0)

	v.SetDefault("transport.eventQueueSize", 1024)
	v.SetDefault("transport.sendQueueSize", 256)
	v.SetDefault("transport.readTimeout", 60*time.Second)
	v.SetDefault("transport.writeTimeout", 10*time.Second)
	v.SetDefault("transport.pingInterval", 25*time.Second)
	v.SetDefault("transport.maxMessageSize", 64*1024)

	v.SetDefault("store.type", StoreTypeMemory)
	v.SetDefault("store.sqlite.path", "./data/push.db")
	v.SetDefault("store.sqlite.walMode", true)
	v.SetDefault("store.sqlite.busyTimeout", 5)
	v.SetDefault("store.etcd.rootPath", "/push")
	v.SetDefault("store.etcd.dialTimeout", 5*time.Second)
	v.SetDefault("store.etcd.useEmbed", false)
}

// resolveConfigPath 按以下优先级确定配置文件路径：
//  1. 默认：./config.yaml
//  2. 环境变量：PUSH_CONFIG_FILE_PATH
//  3. 命令行：--config <path> 或 --config=<path>
//
// explicit 表示路径来自环境变量或命令行，此时文件必须存在。
func resolveConfigPath(args []string) (path string, explicit bool, err error) {
	path = defaultConfigPath

	if envPath := os.Getenv(envConfigFilePath); envPath != "" {
		path, explicit = envPath, true
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return "", false, errors.New("missing value after --config")
			}
			path, explicit = args[i+1], true
			i++
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--config="); ok && val != "" {
			path, explicit = val, true
		}
	}
	return path, explicit, nil
}

// loadConfig 加载配置文件与环境变量。默认路径上的文件不存在时只使用默认值。
func loadConfig(args []string) (*zviper.Config, *Config, error) {
	path, explicit, err := resolveConfigPath(args)
	if err != nil {
		return nil, nil, err
	}

	v := zviper.New(envPrefix)
	setDefaults(v)

	if _, statErr := os.Stat(path); statErr == nil || explicit {
		if err := v.LoadFile(path); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to load config file %q", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, errors.Wrap(err, "failed to decode config")
	}
	return v, cfg, nil
}
