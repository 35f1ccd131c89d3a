// internal/pkg/bootstrap/remote.go
package bootstrap

import (
	"context"

	"checkout/internal/pkg/logger"
)

// ConfigSource 是远端配置中心，生产环境是 *nacos.Client
type ConfigSource interface {
	GetConfig(dataID string) (string, error)
	ListenConfig(dataID string, onChange func(content string)) error
}

// WatchRemote 先拉取一次远端配置，再监听后续变更。decode 把内容解析成完整配置，
// 解析或校验失败的变更只记录日志，当前配置保持不变。
func WatchRemote[T any](src ConfigSource, dataID string, store *Store[T], decode func(content string, base T) (T, error)) error {
	apply := func(content string) {
		log := logger.Ctx(context.Background()).With().Str("data_id", dataID).Logger()
		if content == "" {
			return
		}
		next, err := decode(content, store.Load())
		if err == nil {
			err = store.Update(next)
		}
		if err != nil {
			log.Error().Err(err).Msg("🚨 Rejected remote config update, keeping current settings")
			return
		}
		log.Info().Msg("✅ Remote config applied")
	}

	content, err := src.GetConfig(dataID)
	if err != nil {
		return err
	}
	apply(content)
	return src.ListenConfig(dataID, apply)
}
