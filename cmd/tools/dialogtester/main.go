package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/dialog-relay/backend/internal/app"
	"github.com/zhouzirui/dialog-relay/backend/internal/config"
	"github.com/zhouzirui/dialog-relay/backend/internal/logging"
	"github.com/zhouzirui/dialog-relay/backend/internal/service/chat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dialogtester",
		Short:         "在本地进程内运行对话流程，便于调试存储与模型配置",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newSendCmd(out), newHistoryCmd(out))
	return rootCmd
}

func newSendCmd(out io.Writer) *cobra.Command {
	var (
		dialog    string
		text      string
		messageID string
		model     string
		noDelay   bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "发送一条用户消息并打印回复",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := chat.Request{Text: text, Model: model}

			var err error
			if dialog == "" {
				req.DialogID = uuid.New()
			} else if req.DialogID, err = uuid.Parse(dialog); err != nil {
				return fmt.Errorf("--dialog 不是合法的 UUID: %w", err)
			}
			if messageID != "" {
				if req.MessageID, err = uuid.Parse(messageID); err != nil {
					return fmt.Errorf("--message-id 不是合法的 UUID: %w", err)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return withApp(ctx, noDelay, func(relay *app.App) error {
				start := time.Now()
				reply, err := relay.Chat.HandleMessage(ctx, req)
				if err != nil {
					return err
				}
				log.Debug().Dur("elapsed", time.Since(start)).Bool("placeholder", reply.Placeholder).Msg("reply ready")
				return writeJSON(out, reply)
			})
		},
	}

	cmd.Flags().StringVar(&dialog, "dialog", "", "对话 UUID，留空则自动生成")
	cmd.Flags().StringVar(&text, "text", "", "用户消息文本")
	cmd.Flags().StringVar(&messageID, "message-id", "", "用户消息 UUID，留空则自动生成")
	cmd.Flags().StringVar(&model, "model", "", "覆盖默认模型")
	cmd.Flags().BoolVar(&noDelay, "no-delay", false, "跳过模拟打字延迟")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "整体超时时间")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func newHistoryCmd(out io.Writer) *cobra.Command {
	var dialog string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "打印对话的全部消息",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dialogID, err := uuid.Parse(dialog)
			if err != nil {
				return fmt.Errorf("--dialog 不是合法的 UUID: %w", err)
			}

			return withApp(cmd.Context(), true, func(relay *app.App) error {
				turns, err := relay.Chat.History(cmd.Context(), dialogID)
				if err != nil {
					return err
				}
				return writeJSON(out, turns)
			})
		},
	}

	cmd.Flags().StringVar(&dialog, "dialog", "", "对话 UUID")
	_ = cmd.MarkFlagRequired("dialog")
	return cmd
}

func withApp(ctx context.Context, noDelay bool, fn func(*app.App) error) error {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("无法加载 .env，改用系统环境变量")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("配置加载失败: %w", err)
	}
	if cfg.Log.Format == "json" {
		cfg.Log.Format = "console"
	}
	logging.Setup(cfg.Log)
	if noDelay {
		cfg.Humanizer.DelayEnabled = false
	}

	relay, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer relay.Close()

	return fn(relay)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
