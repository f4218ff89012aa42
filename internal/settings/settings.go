// Package settings loads the process configuration from a TOML file.
package settings

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Oracle kinds accepted in Settings.Oracle.
const (
	OracleBeacon = "beacon"
	OracleManual = "manual"
)

// Duration lets TOML values like "400ms" decode into a time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type Settings struct {
	Listen          string    `toml:"listen"`
	DBPath          string    `toml:"db_path"`
	LogFile         string    `toml:"log_file"`
	Verbose         bool      `toml:"verbose"`
	SlotDuration    Duration  `toml:"slot_duration"`
	Genesis         time.Time `toml:"genesis"`
	Oracle          string    `toml:"oracle"`
	BeaconDelay     uint64    `toml:"beacon_delay"`
	ArchiveAfter    uint64    `toml:"archive_after"`
	JanitorInterval Duration  `toml:"janitor_interval"`
}

// Default returns the settings used for keys missing from the file.
func Default() *Settings {
	return &Settings{
		Listen:          ":8080",
		DBPath:          "tokenlottery.db",
		SlotDuration:    Duration{400 * time.Millisecond},
		Oracle:          OracleBeacon,
		BeaconDelay:     2,
		ArchiveAfter:    9000,
		JanitorInterval: Duration{10 * time.Minute},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Settings, error) {
	s := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, s); err != nil {
			return nil, fmt.Errorf("couldn't read settings %s: %w", path, err)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Decode parses TOML text over the defaults.
func Decode(text string) (*Settings, error) {
	s := Default()
	if _, err := toml.Decode(text, s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	switch s.Oracle {
	case OracleBeacon, OracleManual:
	default:
		return fmt.Errorf("unknown oracle %q", s.Oracle)
	}
	if s.SlotDuration.Duration <= 0 {
		return fmt.Errorf("slot_duration must be positive")
	}
	if s.JanitorInterval.Duration <= 0 {
		return fmt.Errorf("janitor_interval must be positive")
	}
	return nil
}
