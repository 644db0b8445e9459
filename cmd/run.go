package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"Resona/config"
	"Resona/core/client"
	"Resona/logger"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "启动无头控制客户端",
	Long:  `连接配置的全部音频节点并维持会话,直到收到SIGINT或SIGTERM。语音凭据由宿主程序注入,本命令只维护节点侧会话与诊断服务。`,
	Run:   runClient,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runClient(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(cfg)
	if err := c.Start(ctx); err != nil {
		logger.Error("client start failed", logger.ErrorField(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("resona running",
		logger.String("version", config.Version),
		logger.Int("nodes", len(c.Nodes().Nodes())))

	// 等待退出信号,Close幂等,ctx监视goroutine可能已经触发过
	<-ctx.Done()
	logger.Info("shutdown signal received")
	c.Close()
	logger.Sync()
}
