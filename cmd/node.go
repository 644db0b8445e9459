package cmd

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	nodeName    string
	nodeStats   bool
	nodeVersion bool
	nodeRoute   bool
	nodeFree    string
	nodeFreeAll bool
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "音频节点状态查询",
	Long:  `查询音频节点的版本、构建信息、资源统计与路由规划器状态,也可以解封路由规划器标记为失效的地址。`,
	Run: func(cmd *cobra.Command, args []string) {
		client := nodeRestClient(nodeName)
		fmt.Printf("节点: %s\n", client.Node())

		ctx, cancel := context.WithTimeout(context.Background(), cfg.RestTimeout)
		defer cancel()

		// 根据参数执行不同的操作
		if nodeFreeAll {
			if err := client.RoutePlannerFreeAll(ctx); err != nil {
				log.Fatalf("解封全部地址失败: %v", err)
			}
			fmt.Println("已解封路由规划器中的全部地址")
		} else if nodeFree != "" {
			if err := client.RoutePlannerFreeAddress(ctx, nodeFree); err != nil {
				log.Fatalf("解封地址失败: %v", err)
			}
			fmt.Printf("已解封地址: %s\n", nodeFree)
		} else if nodeRoute {
			status, err := client.RoutePlannerStatus(ctx)
			if err != nil {
				log.Fatalf("获取路由规划器状态失败: %v", err)
			}
			if status.Class == nil {
				fmt.Println("节点未启用路由规划器")
				return
			}
			fmt.Printf("规划器: %s\n", *status.Class)
			if status.Details != nil {
				fmt.Printf("地址块: %s (%s)\n", status.Details.IPBlock.Size, status.Details.IPBlock.Type)
				fmt.Printf("失效地址: %d 个\n", len(status.Details.FailingAddresses))
				for _, addr := range status.Details.FailingAddresses {
					fmt.Printf("  %s (自 %s)\n", addr.Address, addr.Time)
				}
			}
		} else if nodeStats {
			stats, err := client.Stats(ctx)
			if err != nil {
				log.Fatalf("获取节点统计失败: %v", err)
			}
			fmt.Printf("播放器: %d (播放中 %d)\n", stats.Players, stats.PlayingPlayers)
			fmt.Printf("运行时长: %s\n", (time.Duration(stats.Uptime) * time.Millisecond).Round(time.Second))
			fmt.Printf("内存: 已用 %dMB / 已分配 %dMB\n",
				stats.Memory.Used/1024/1024, stats.Memory.Allocated/1024/1024)
			fmt.Printf("CPU: %d 核, 系统负载 %.2f, 节点负载 %.2f\n",
				stats.CPU.Cores, stats.CPU.SystemLoad, stats.CPU.LavalinkLoad)
		} else if nodeVersion {
			version, err := client.Version(ctx)
			if err != nil {
				log.Fatalf("获取节点版本失败: %v", err)
			}
			fmt.Printf("版本: %s\n", version)
		} else {
			info, err := client.Info(ctx)
			if err != nil {
				log.Fatalf("获取节点信息失败: %v", err)
			}
			fmt.Printf("版本: %s\n", info.Version.Semver)
			fmt.Printf("构建: %s (%s)\n", info.Git.Commit, info.Git.Branch)
			fmt.Printf("JVM: %s, Lavaplayer: %s\n", info.JVM, info.Lavaplayer)
			fmt.Printf("音源: %s\n", strings.Join(info.SourceManagers, ", "))
			fmt.Printf("滤镜: %s\n", strings.Join(info.Filters, ", "))
			if len(info.Plugins) > 0 {
				fmt.Println("插件:")
				for _, p := range info.Plugins {
					fmt.Printf("  %s %s\n", p.Name, p.Version)
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(nodeCmd)

	// 添加命令行参数
	nodeCmd.Flags().StringVarP(&nodeName, "node", "n", "", "指定节点名称,默认使用配置中的第一个节点")
	nodeCmd.Flags().BoolVarP(&nodeStats, "stats", "s", false, "显示节点资源统计")
	nodeCmd.Flags().BoolVarP(&nodeVersion, "version", "V", false, "只显示节点版本号")
	nodeCmd.Flags().BoolVarP(&nodeRoute, "route", "r", false, "显示路由规划器状态")
	nodeCmd.Flags().StringVar(&nodeFree, "free", "", "解封路由规划器中的指定地址")
	nodeCmd.Flags().BoolVar(&nodeFreeAll, "free-all", false, "解封路由规划器中的全部地址")

	// 添加使用说明
	nodeCmd.Example = `  # 查看节点信息
  resona node

  # 查看指定节点的资源统计
  resona node -n backup -s

  # 查看路由规划器状态
  resona node -r

  # 解封单个地址
  resona node --free 1.2.3.4

  # 解封全部地址
  resona node --free-all`
}
