// Package json 是项目统一的 JSON 编解码入口，底层使用 bytedance/sonic。
package json

import (
	stdjson "encoding/json"

	"github.com/bytedance/sonic"
)

// api 与 encoding/json 行为保持一致（转义 HTML、map key 排序等）。
var api = sonic.ConfigStd

// RawMessage 为延迟解码的原始 JSON 片段。
type RawMessage = stdjson.RawMessage

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func MarshalToString(v any) (string, error) {
	return api.MarshalToString(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid 判断 data 是否为合法 JSON。
func Valid(data []byte) bool {
	return api.Valid(data)
}
