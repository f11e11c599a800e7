package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"
)

var logLevel slog.LevelVar

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	Use:               "cardctl",
	Short:             "Run and provision an oseidcore virtual smart card",
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{Level: &logLevel})))

	rootCmd.PersistentFlags().Bool("debug", false, "Print debug logging")
	rootCmd.PersistentFlags().String("store-db", "", "SQLite file backing the card's persistent storage (default: in-memory)")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("store-db", rootCmd.PersistentFlags().Lookup("store-db"))

	rootCmd.AddCommand(serveCmd, personalizeCmd, resetCmd, inspectCmd)
}

func applyDebugFlag() {
	if viper.GetBool("debug") {
		logLevel.Set(slog.LevelDebug)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
