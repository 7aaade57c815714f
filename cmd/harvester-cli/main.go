// Harvester CLI - инструмент командной строки для управления
// пайплайном через HTTP API.
//
// Использование:
//
//	harvester [--config FILE] [--api-url URL] [--token TOKEN] [--json] <command> [subcommand] [flags]
//
// Команды:
//
//	run       Управление runs (trigger, list, get, cancel)
//	advance   Одно решение планировщика
//	settings  Настройки пайплайна (get, set)
//	steps     Реестр шагов
//
// URL API и токен берутся из флагов, иначе из api.url и advance.token
// конфигурации (HARVESTER_API_URL, HARVESTER_ADVANCE_TOKEN).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Harvester/internal/cli"
	"github.com/shaiso/Harvester/internal/config"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var cfgPath string
	var apiURL string
	var token string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "harvester",
		Short:         "Harvester CLI - event ingestion pipeline control",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("api-url") {
				apiURL = cfg.API.URL
			}
			if !cmd.Flags().Changed("token") {
				token = cfg.Advance.Token
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "API server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token for advance")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL, token) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewAdvanceCmd(clientFn, outputFn),
		cli.NewSettingsCmd(clientFn, outputFn),
		cli.NewStepsCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
