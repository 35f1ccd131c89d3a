// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig 读取 YAML 配置文件到 out。文件中的 ${VAR} 会先用环境变量展开，
// 这样同一份配置可以在不同环境里通过环境变量覆盖地址类参数。
func LoadConfig(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return DecodeConfig(raw, out)
}

// DecodeConfig 解析 YAML 内容，未知字段视为错误
func DecodeConfig(raw []byte, out any) error {
	expanded := os.ExpandEnv(string(raw))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// GetEnv 从环境变量中读取配置，不存在时返回 fallback。
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
