package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/marcus-qen/editorbridge/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	var (
		configPath string
		writePath  string
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration, or write it to a file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			for _, w := range cfg.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			if writePath != "" {
				if err := cfg.Save(writePath); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "wrote", writePath)
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("EDITORBRIDGE_CONFIG"), "path to a JSON config file")
	cmd.Flags().StringVar(&writePath, "write", "", "write the effective configuration to this path")
	return cmd
}
