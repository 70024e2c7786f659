package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "read or replace the live system configuration",
	}
	cmd.AddCommand(configGetCmd(), configSetCmd())
	return cmd
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "print the current system configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg any
			if err := apiRequest("GET", "/admin/api/config", nil, &cfg); err != nil {
				return err
			}
			printJSON(cfg)
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <file.json>",
		Short: "replace the system configuration from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			var cfg json.RawMessage = raw
			if err := apiRequest("POST", "/admin/api/config", cfg, nil); err != nil {
				return err
			}
			fmt.Println("config updated")
			return nil
		},
	}
}
