package application

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	zlog "github.com/lk2023060901/danmu-push-go/pkg/log"
	zviper "github.com/lk2023060901/danmu-push-go/pkg/util/viper"
)

// initGlobalLoggerFromEnv 根据 PUSH_LOG_* 环境变量配置进程级日志。
//
//   - PUSH_LOG_ENABLE：是否输出日志（默认 true）。
//   - PUSH_LOG_LEVEL：日志级别（默认 info）。
//   - PUSH_LOG_STDOUT：是否输出到标准输出（默认 true）。
//   - PUSH_LOG_FILE_DIR：日志目录。
//   - PUSH_LOG_FILE：日志文件名，留空表示不写文件。
//   - PUSH_LOG_FORMAT：text 或 json（默认 text）。
func initGlobalLoggerFromEnv() error {
	cfg := &zlog.Config{
		Level:  getenvDefault("PUSH_LOG_LEVEL", "info"),
		Format: getenvDefault("PUSH_LOG_FORMAT", "text"),
		Stdout: getenvBool("PUSH_LOG_STDOUT", true),
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("PUSH_LOG_FILE_DIR", ""),
			Filename: getenvDefault("PUSH_LOG_FILE", ""),
		},
	}

	// 未启用时所有输出指向空 sink。
	if !getenvBool("PUSH_LOG_ENABLE", true) {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggers 根据配置文件 logging 段创建具名日志。
//
// 示例：
//
//	logging:
//	  channel:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: channel.log
func initModuleLoggers(v *zviper.Config) (map[string]*zlog.MLogger, error) {
	raw := make(map[string]zlog.Config)
	if err := v.UnmarshalKey("logging", &raw); err != nil {
		return nil, err
	}

	loggers := make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return nil, errors.Wrapf(err, "init module logger %q", name)
		}
		loggers[name] = &zlog.MLogger{Logger: logger}
	}
	return loggers, nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
