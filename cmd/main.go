package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "chatbot",
	Short:         "WhatsApp AI bot inbound pipeline",
	Long:          "Receives Chatwoot, WAHA, WhatsApp and Telegram messages, answers them with OpenAI and keeps CRM leads in sync.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		_, _ = os.Stderr.WriteString(eris.ToString(err, false) + "\n")
		os.Exit(1)
	}
}
