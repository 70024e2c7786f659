package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

type zoneOutputBinding struct {
	Protocol string `json:"protocol"`
	Target   string `json:"target"`
}

func zoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zone",
		Short: "inspect and control a zone's output binding and playback",
	}
	cmd.AddCommand(
		zoneOutputGetCmd(),
		zoneOutputSetCmd(),
		zoneOutputUnsetCmd(),
		zonePlayCmd(),
		zoneCommandCmd("pause", "pause the zone's active session"),
		zoneCommandCmd("resume", "resume the zone's paused session"),
		zoneCommandCmd("stop", "stop the zone's active session"),
		zoneVolumeCmd(),
		zoneMuteCmd(),
	)
	return cmd
}

func zoneOutputGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "output-get <zoneID>",
		Short: "print the driver protocol/target a zone is bound to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid zone id %q", args[0])
			}
			var binding zoneOutputBinding
			if err := apiRequest("GET", fmt.Sprintf("/admin/api/zones/%d/output", zid), nil, &binding); err != nil {
				return err
			}
			printJSON(binding)
			return nil
		},
	}
}

func zoneOutputSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "output-set <zoneID> <protocol> <target>",
		Short: "bind a zone to a renderer (protocol: dlna|sonos|chromecast|lansync|slave|airplay)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			zid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid zone id %q", args[0])
			}
			binding := zoneOutputBinding{Protocol: args[1], Target: args[2]}
			if err := apiRequest("POST", fmt.Sprintf("/admin/api/zones/%d/output", zid), binding, &binding); err != nil {
				return err
			}
			printJSON(binding)
			return nil
		},
	}
}

func zoneOutputUnsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "output-unset <zoneID>",
		Short: "unbind a zone's output driver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid zone id %q", args[0])
			}
			if err := apiRequest("DELETE", fmt.Sprintf("/admin/api/zones/%d/output", zid), nil, nil); err != nil {
				return err
			}
			fmt.Printf("zone %d output unbound\n", zid)
			return nil
		},
	}
}

func zonePlayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "play <zoneID> <uri>",
		Short: "start playback of a file path, http(s) URL, or pipe source on a zone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runZoneCommand(args[0], "play", args[1])
		},
	}
}

func zoneCommandCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <zoneID>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runZoneCommand(args[0], name)
		},
	}
}

func zoneVolumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "volume <zoneID> <percent>",
		Short: "set a zone's output volume (0-100)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runZoneCommand(args[0], "volume", args[1])
		},
	}
}

func zoneMuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mute <zoneID>",
		Short: "mute a zone's output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runZoneCommand(args[0], "mute")
		},
	}
}

func runZoneCommand(zoneIDArg, cmd string, cmdArgs ...string) error {
	zid, err := strconv.Atoi(zoneIDArg)
	if err != nil {
		return fmt.Errorf("invalid zone id %q", zoneIDArg)
	}
	path := fmt.Sprintf("/admin/api/audio/%d/%s", zid, cmd)
	if len(cmdArgs) > 0 {
		path += "/" + strings.Join(cmdArgs, "/")
	}
	if err := apiRequest("POST", path, nil, nil); err != nil {
		return err
	}
	fmt.Printf("zone %d: %s ok\n", zid, cmd)
	return nil
}
