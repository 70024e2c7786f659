package main

import (
	"github.com/spf13/cobra"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "list host audio devices and discovered slave players",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "audio",
			Short: "list host audio devices",
			RunE: func(cmd *cobra.Command, args []string) error {
				var devices []any
				if err := apiRequest("GET", "/admin/api/audio/devices", nil, &devices); err != nil {
					return err
				}
				printJSON(devices)
				return nil
			},
		},
		&cobra.Command{
			Use:   "slave-players",
			Short: "list players known to a supervised slave-player subprocess",
			RunE: func(cmd *cobra.Command, args []string) error {
				var players []any
				if err := apiRequest("GET", "/admin/api/audio/squeezelite/players", nil, &players); err != nil {
					return err
				}
				printJSON(players)
				return nil
			},
		},
	)
	return cmd
}

func transportsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transports",
		Short: "list the output-driver protocol families a zone can bind to",
		RunE: func(cmd *cobra.Command, args []string) error {
			var transports []string
			if err := apiRequest("GET", "/admin/api/transports", nil, &transports); err != nil {
				return err
			}
			printJSON(transports)
			return nil
		},
	}
}
