package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"Resona/cache"
	"Resona/model"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Redis缓存连接测试",
	Long:  `测试Redis连接是否成功,并对解析结果缓存做一次读写回环。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始测试Redis连接...")
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		// 连接Redis
		if err := cache.ConnectRedis(cfg); err != nil {
			log.Fatalf("无法连接到Redis: %v", err)
		}
		fmt.Println("Redis连接成功！")

		// 用一条合成的解析结果测试读写回环
		fmt.Println("开始测试缓存读写...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		probe := &model.LoadResult{Type: model.LoadTypeEmpty}
		if err := cache.SetLoadResult(ctx, "resona:selftest", probe, time.Minute); err != nil {
			log.Fatalf("缓存写入失败: %v", err)
		}
		got, err := cache.GetLoadResult(ctx, "resona:selftest")
		if err != nil {
			log.Fatalf("缓存读取失败: %v", err)
		}
		if got == nil || got.Type != model.LoadTypeEmpty {
			log.Fatalf("缓存回读结果不一致: %+v", got)
		}
		fmt.Println("缓存读写测试成功！")

		// 关闭连接
		if err := cache.CloseRedis(); err != nil {
			log.Printf("关闭Redis连接时发生错误: %v", err)
		}
		fmt.Println("缓存测试完成,连接已关闭。")
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
}
