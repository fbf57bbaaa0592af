package config

import (
	"reflect"
	"time"
)

// Changes describes what differs between two configs and how the running
// process can absorb each difference. Log level and the filler gating window
// apply live; other sections either wait for the next session or need a
// restart.
type Changes struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	FillerGateChanged bool
	NewFillerMinGap   time.Duration

	// NextSession lists config sections whose new values take effect when
	// the next session starts.
	NextSession []string

	// RestartOnly lists config sections whose changes cannot be applied to a
	// running process.
	RestartOnly []string
}

// Empty reports whether the two configs were identical.
func (c Changes) Empty() bool {
	return !c.LogLevelChanged && !c.FillerGateChanged &&
		len(c.NextSession) == 0 && len(c.RestartOnly) == 0
}

// Diff compares old and new configs and classifies every difference.
func Diff(old, new *Config) Changes {
	var d Changes

	// Live knobs.
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Fillers.MinGapMs != new.Fillers.MinGapMs {
		d.FillerGateChanged = true
		d.NewFillerMinGap = new.Fillers.MinGap()
	}

	// Next-session sections. The weights path feeds startup state, so it is
	// compared separately below.
	oldTurn, newTurn := old.TurnTaking, new.TurnTaking
	oldTurn.WeightsPath, newTurn.WeightsPath = "", ""
	if oldTurn != newTurn {
		d.NextSession = append(d.NextSession, "turn_taking")
	}
	if old.Reply != new.Reply {
		d.NextSession = append(d.NextSession, "reply")
	}
	if old.Persona != new.Persona {
		d.NextSession = append(d.NextSession, "persona")
	}

	// Restart-only sections.
	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat {
		d.RestartOnly = append(d.RestartOnly, "server")
	}
	if old.Discord != new.Discord {
		d.RestartOnly = append(d.RestartOnly, "discord")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartOnly = append(d.RestartOnly, "providers")
	}
	if old.TurnTaking.WeightsPath != new.TurnTaking.WeightsPath {
		d.RestartOnly = append(d.RestartOnly, "turn_taking.weights_path")
	}
	oldFill, newFill := old.Fillers, new.Fillers
	oldFill.MinGapMs, newFill.MinGapMs = 0, 0
	if oldFill != newFill {
		d.RestartOnly = append(d.RestartOnly, "fillers")
	}
	if old.Trainer != new.Trainer {
		d.RestartOnly = append(d.RestartOnly, "trainer")
	}
	if old.Memory != new.Memory {
		d.RestartOnly = append(d.RestartOnly, "memory")
	}
	if !reflect.DeepEqual(old.MCP, new.MCP) {
		d.RestartOnly = append(d.RestartOnly, "mcp")
	}

	return d
}
