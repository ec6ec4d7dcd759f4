package viper

import (
	"path/filepath"
	"strings"

	spfviper "github.com/spf13/viper"
)

// Config 封装 spf13/viper 实例，提供 YAML/JSON 文件、默认值与环境变量三层配置。
// 优先级：环境变量 > 配置文件 > 默认值。
type Config struct {
	v *spfviper.Viper
}

// New 创建 Config。envPrefix 非空时启用环境变量覆盖，
// 例如前缀 PUSH 下 server.addr 对应 PUSH_SERVER_ADDR。
func New(envPrefix string) *Config {
	v := spfviper.New()
	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	return &Config{v: v}
}

// SetDefault 设置 key 的默认值。
// 结构体反序列化时只有设置过默认值（或出现在文件中）的 key 才会读取环境变量。
func (c *Config) SetDefault(key string, value any) {
	c.v.SetDefault(key, value)
}

// LoadFile 加载配置文件，文件类型通过扩展名（.yaml/.yml/.json）推断。
func (c *Config) LoadFile(path string) error {
	c.v.SetConfigFile(path)

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		c.v.SetConfigType("yaml")
	case ".json":
		c.v.SetConfigType("json")
	}

	return c.v.ReadInConfig()
}

// IsSet 判断 key 是否在任意一层中被设置。
func (c *Config) IsSet(key string) bool {
	return c.v.IsSet(key)
}

// ConfigFileUsed 返回已加载的配置文件路径，未加载时为空。
func (c *Config) ConfigFileUsed() string {
	return c.v.ConfigFileUsed()
}

// Unmarshal 将完整配置反序列化到 dst（结构体或 map 的指针）。
func (c *Config) Unmarshal(dst any) error {
	return c.v.Unmarshal(dst)
}

// UnmarshalKey 将 key 对应的子配置反序列化到 dst。
func (c *Config) UnmarshalKey(key string, dst any) error {
	return c.v.UnmarshalKey(key, dst)
}
