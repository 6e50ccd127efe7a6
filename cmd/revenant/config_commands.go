package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"revenant/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigShowCommand(ctx))

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("determine default config path: %w", err)
				}
				target = defaultPath
			}

			if err := config.WriteSample(target); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintln(out, "Export ANTHROPIC_API_KEY to enable the AI fixer; without it only mechanical fixes run.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	return cmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path:   %s\n", ctx.configPath)
			fmt.Fprintf(out, "Base dir:      %s\n", cfg.Paths.BaseDir)
			fmt.Fprintf(out, "Work dir:      %s\n", cfg.Paths.WorkDir)
			fmt.Fprintf(out, "Cache dir:     %s\n", cfg.Paths.CacheDir)
			fmt.Fprintf(out, "Log dir:       %s\n", cfg.Paths.LogDir)
			fmt.Fprintf(out, "Index:         %s/%s (upload %s)\n", cfg.Index.URL, cfg.Index.Index, enabledWord(cfg.Index.UploadEnabled))
			fmt.Fprintf(out, "Python target: %s (%s)\n", cfg.Processing.PythonTarget, cfg.Processing.PythonBinary)
			fmt.Fprintf(out, "AI fixer:      %s (model %s)\n", enabledWord(cfg.AI.APIKey != ""), cfg.AI.Model)
			fmt.Fprintf(out, "Watchdog:      every %ds, stale after %dm, auto-restart %s\n",
				cfg.Watchdog.Interval, cfg.Watchdog.StaleAfterMinutes, enabledWord(cfg.Watchdog.AutoRestart))
			return nil
		},
	}
}

func enabledWord(value bool) string {
	if value {
		return "enabled"
	}
	return "disabled"
}
