// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"checkout/internal/pkg/logger"
	"checkout/internal/pkg/nacos"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	Port        int
	Handler     http.Handler
	// Nacos 不为空时启动后注册实例，关停时注销
	Nacos *nacos.Client
	// Background 与 HTTP 服务一起运行，ctx 在收到退出信号后取消
	Background []func(ctx context.Context) error
	// Cleanups 在 HTTP 服务和后台任务都退出后按注册的相反顺序执行
	Cleanups []func(ctx context.Context) error
}

// StartService 封装了微服务的通用启动和优雅关停逻辑，阻塞到收到 SIGINT/SIGTERM。
func StartService(info AppInfo) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return Run(ctx, info)
}

// Run 与 StartService 相同，但由调用方控制生命周期。
func Run(ctx context.Context, info AppInfo) error {
	log := logger.Ctx(ctx).With().Str("component", "bootstrap").Logger()

	var ip string
	if info.Nacos != nil {
		var err error
		if ip, err = outboundIP(); err != nil {
			return err
		}
		if err := info.Nacos.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           info.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if info.Handler != nil {
		g.Go(func() error {
			log.Info().Str("addr", server.Addr).Msgf("✅ %s listening", info.ServiceName)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	for _, bg := range info.Background {
		g.Go(func() error {
			if err := bg(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msgf("🛑 Shutting down service %s...", info.ServiceName)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// 先从注册中心摘除，避免新流量进来
		if info.Nacos != nil {
			if err := info.Nacos.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
				log.Error().Err(err).Msg("Error deregistering from Nacos")
			}
		}
		if info.Handler != nil {
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Error shutting down http server")
			}
		}
		return nil
	})
	runErr := g.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(info.Cleanups) - 1; i >= 0; i-- {
		if err := info.Cleanups[i](cleanupCtx); err != nil {
			log.Error().Err(err).Msg("Cleanup failed")
		}
	}

	if runErr != nil {
		log.Error().Err(runErr).Msgf("Service %s stopped with error", info.ServiceName)
		return runErr
	}
	log.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
	return nil
}

// outboundIP 返回本机对外通信使用的地址，用于服务注册
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
