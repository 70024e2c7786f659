package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/micro-nova/zonecast/internal/api"
	"github.com/micro-nova/zonecast/internal/models"
	"github.com/micro-nova/zonecast/internal/outputs"
	"github.com/micro-nova/zonecast/internal/resolver"
)

// zoneCommander dispatches the admin API's "audio/<zoneId>/<cmd>/<args...>"
// requests onto a zone's Player, mirroring the teacher's per-stream
// play/pause/stop command switch (streams/lms.go, streams/spotify.go)
// generalized across every output protocol this project supports.
type zoneCommander struct {
	zones *zoneRegistry
	reg   *outputs.Registry
}

func newZoneCommander(zones *zoneRegistry, reg *outputs.Registry) *zoneCommander {
	return &zoneCommander{zones: zones, reg: reg}
}

// RunCommand satisfies api.Commander.
func (c *zoneCommander) RunCommand(zoneID int, cmd string, args []string) error {
	player, ok := c.zones.ZonePlayer(zoneID)
	if !ok {
		return fmt.Errorf("zone %d not found", zoneID)
	}
	ctx := context.Background()

	switch cmd {
	case "play":
		if len(args) == 0 {
			return fmt.Errorf("play requires a uri argument")
		}
		src, err := resolver.Resolve(args[0])
		if err != nil {
			return err
		}
		return player.PlayURI(ctx, *src, models.PlaybackMetadata{}, 0, models.ProfileMP3)

	case "pause":
		return player.Pause()

	case "resume":
		return player.Resume(ctx, models.ProfileMP3)

	case "stop":
		player.Stop(false)
		return nil

	case "volume":
		if len(args) == 0 {
			return fmt.Errorf("volume requires a percent argument")
		}
		pct, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid volume percent %q: %w", args[0], err)
		}
		return c.reg.SetVolume(ctx, zoneID, models.ClampVolume(pct))

	case "mute":
		return c.reg.SetVolume(ctx, zoneID, 0)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// staticAudioDevices reports no host audio devices: this project only
// ever targets networked renderers via output drivers, never a local
// sound card, so device enumeration always returns empty rather than
// shelling out to a platform-specific audio API the examples don't cover.
type staticAudioDevices struct{}

func (staticAudioDevices) ListAudioDevices() []api.AudioDevice {
	return nil
}
