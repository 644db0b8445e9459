package cmd

import (
	"fmt"
	"os"

	"Resona/config"
	"Resona/logger"

	"github.com/spf13/cobra"
)

// cfg 所有子命令共享的配置,由PersistentPreRun填充
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:     "resona",
	Short:   "Resona是一个远程音频节点控制客户端。",
	Long:    `Resona通过REST与WebSocket控制远程音频节点,管理会话、播放器与节点故障转移。不加子命令时等同于run。`,
	Version: config.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		logger.InitLogger(logger.Config{
			Level:      logger.LogLevel(cfg.LogLevel),
			OutputPath: cfg.LogFile,
			MaxSize:    cfg.LogMaxSize,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAge,
			Compress:   cfg.LogCompress,
		})
	},
	Run: func(cmd *cobra.Command, args []string) {
		runClient(cmd, args)
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
