package models

import "time"

// ZoneConfig is the static, persisted description of a zone: its identity
// and the defaults AudioManager applies when no session overrides them.
// Runtime playback state (PlaybackSession) is never persisted.
type ZoneConfig struct {
	ID             int
	Name           string
	DefaultVolume  float64
	Muted          bool
	OutputSettings AudioOutputSettings
}

// SystemConfig is the full persisted shape: zone identities/defaults plus
// the group layout, narrowed to the fields this domain owns.
type SystemConfig struct {
	Zones     []ZoneConfig
	Groups    []GroupRecord
	UpdatedAt time.Time
}

// DefaultSystemConfig returns an empty configuration: no zones configured
// until discovery or the admin API registers one.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		Zones:  []ZoneConfig{},
		Groups: []GroupRecord{},
	}
}

// FindZone returns the zone config with the given ID, or nil.
func (c *SystemConfig) FindZone(id int) *ZoneConfig {
	for i := range c.Zones {
		if c.Zones[i].ID == id {
			return &c.Zones[i]
		}
	}
	return nil
}

// FindGroupByLeader returns the group led by the given zone, or nil.
func (c *SystemConfig) FindGroupByLeader(leader int) *GroupRecord {
	for i := range c.Groups {
		if c.Groups[i].Leader == leader {
			return &c.Groups[i]
		}
	}
	return nil
}
