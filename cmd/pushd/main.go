// pushd 运行设备推送服务：WebSocket 接入、设备注册与管理 API。
//
// 用法：
//
//	pushd --config ./config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/lk2023060901/danmu-push-go/application"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pushd: %v\n", err)
		os.Exit(1)
	}
}
