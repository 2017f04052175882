package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/session-gateway/internal/observability"
)

var (
	baseURL string
	apiKey  string
	timeout time.Duration
	verbose bool
)

// rootCmd 运维用的webhook调试工具
var rootCmd = &cobra.Command{
	Use:   "webhookprobe",
	Short: "Inspect and exercise session gateway webhooks",
	Long: `webhookprobe helps operators verify webhook delivery end to end.

  webhookprobe listen --addr :9000                       # print deliveries
  webhookprobe configure --session s1 --url http://...    # point a session at a receiver
  webhookprobe check --session s1                         # gateway, session and webhook status`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "info"
		if verbose {
			level = "debug"
		}
		observability.InitLogger("webhookprobe", level, "console")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", envOr("GATEWAY_URL", "http://localhost:8080"), "Gateway base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("API_KEY"), "API key sent as X-API-Key")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(listenCmd, configureCmd, checkCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
