package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"Resona/config"
	"Resona/core/rest"
	"Resona/model"

	"github.com/spf13/cobra"
)

var (
	searchSource string
	searchLimit  int
	trackNode    string
)

var tracksCmd = &cobra.Command{
	Use:   "tracks",
	Short: "曲目解析命令行工具",
	Long:  `通过音频节点的REST接口解析曲目,支持关键词搜索、URL解析与encoded串解码。`,
}

var tracksSearchCmd = &cobra.Command{
	Use:   "search <查询词或URL>",
	Short: "搜索曲目或解析URL",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		identifier := strings.Join(args, " ")
		// URL与带前缀的标识符原样透传,普通关键词加搜索前缀
		if !strings.Contains(identifier, "://") && !strings.Contains(identifier, ":") {
			identifier = searchSource + ":" + identifier
		}

		client := nodeRestClient(trackNode)
		fmt.Printf("正在解析: %s (节点: %s)\n", identifier, client.Node())

		ctx, cancel := context.WithTimeout(context.Background(), cfg.RestTimeout)
		defer cancel()
		result, err := client.LoadTracks(ctx, identifier)
		if err != nil {
			log.Fatalf("解析失败: %v", err)
		}

		switch result.Type {
		case model.LoadTypeTrack:
			fmt.Println("\n解析到单曲:")
			printTrack(1, *result.Track)
		case model.LoadTypePlaylist:
			fmt.Printf("\n歌单: %s (%d 首)\n", result.Playlist.Info.Name, len(result.Playlist.Tracks))
			printTracks(result.Playlist.Tracks)
		case model.LoadTypeSearch:
			fmt.Printf("\n找到 %d 首曲目:\n", len(result.Tracks))
			printTracks(result.Tracks)
		case model.LoadTypeEmpty:
			fmt.Println("未找到任何曲目")
		case model.LoadTypeError:
			log.Fatalf("节点返回错误: %v", result.Error)
		}
	},
}

var tracksDecodeCmd = &cobra.Command{
	Use:   "decode <encoded>",
	Short: "解码encoded曲目串",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := nodeRestClient(trackNode)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.RestTimeout)
		defer cancel()
		track, err := client.DecodeTrack(ctx, args[0])
		if err != nil {
			log.Fatalf("解码失败: %v", err)
		}

		fmt.Printf("标题: %s\n", track.Info.Title)
		fmt.Printf("作者: %s\n", track.Info.Author)
		fmt.Printf("时长: %s\n", formatDuration(track.Info.Length))
		fmt.Printf("来源: %s\n", track.Info.SourceName)
		if track.Info.URI != nil {
			fmt.Printf("地址: %s\n", *track.Info.URI)
		}
	},
}

func init() {
	rootCmd.AddCommand(tracksCmd)
	tracksCmd.AddCommand(tracksSearchCmd)
	tracksCmd.AddCommand(tracksDecodeCmd)

	// 添加命令行参数
	tracksCmd.PersistentFlags().StringVarP(&trackNode, "node", "n", "", "指定节点名称,默认使用配置中的第一个节点")
	tracksSearchCmd.Flags().StringVarP(&searchSource, "source", "s", "ytsearch", "搜索前缀 (ytsearch/ytmsearch/scsearch)")
	tracksSearchCmd.Flags().IntVarP(&searchLimit, "limit", "l", 10, "最多显示的结果数量")

	tracksCmd.Example = `  # 关键词搜索
  resona tracks search never gonna give you up

  # 指定搜索源
  resona tracks search -s scsearch lofi hip hop

  # 解析URL
  resona tracks search https://www.youtube.com/watch?v=dQw4w9WgXcQ

  # 解码encoded串
  resona tracks decode QAAAjQIAJVJpY2sgQXN0bGV5...`
}

// nodeRestClient 按名称选节点建REST客户端,name为空取第一个
func nodeRestClient(name string) *rest.Client {
	nodes, err := config.LoadNodes(cfg)
	if err != nil {
		log.Fatalf("加载节点配置失败: %v", err)
	}
	if len(nodes) == 0 {
		fmt.Println("节点配置为空")
		os.Exit(1)
	}
	if name == "" {
		return rest.NewClient(nodes[0], cfg)
	}
	for _, n := range nodes {
		if n.Name == name {
			return rest.NewClient(n, cfg)
		}
	}
	log.Fatalf("未找到名为 %s 的节点", name)
	return nil
}

func printTracks(tracks []model.Track) {
	if searchLimit > 0 && len(tracks) > searchLimit {
		tracks = tracks[:searchLimit]
	}
	for i, track := range tracks {
		printTrack(i+1, track)
	}
}

func printTrack(index int, track model.Track) {
	length := formatDuration(track.Info.Length)
	if track.Info.IsStream {
		length = "直播"
	}
	fmt.Printf("%d. %s - %s [%s] (%s)\n",
		index,
		track.Info.Title,
		track.Info.Author,
		length,
		track.Info.SourceName)
}

// formatDuration 毫秒转mm:ss或h:mm:ss
func formatDuration(ms int64) string {
	total := ms / 1000
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
