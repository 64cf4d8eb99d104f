package engine

import (
	"fmt"
	"time"

	"github.com/bluesky-social/gatekeep/flood"
)

type Config struct {
	// chat id of the holding area where challenges are issued
	HoldingArea int64
	// per-user verification deadline
	ChallengeTimeout time.Duration
	// a pass or success inside this window skips verification on rejoin
	RecheckWindow time.Duration
	// in AutoPass groups, a success anywhere within this window passes the user
	AutoPassGrace time.Duration
	// a timeout inside this window after a failure in a forgiving group is a repeat offense
	FailedWindow time.Duration
	// zero bans permanently
	BanDuration time.Duration
	// delay before a finished user is removed from the holding area
	HoldGrace time.Duration
	// holding-area members with nothing pending are evicted after this
	HoldIdle             time.Duration
	InviteInterval       time.Duration
	ConfigLockTimeout    time.Duration
	CustomSessionTimeout time.Duration
	LimitFlood           int
	Locale               string
	// concurrent deferred announcement tasks
	Workers int64
	// key of this service's own entry in UserStatus.Score
	ScoreSource string
	// rule set that display names are checked against on admission
	NameRuleSet string
}

func DefaultConfig() Config {
	return Config{
		ChallengeTimeout:     5 * time.Minute,
		RecheckWindow:        7 * 24 * time.Hour,
		AutoPassGrace:        24 * time.Hour,
		FailedWindow:         24 * time.Hour,
		BanDuration:          0,
		HoldGrace:            60 * time.Second,
		HoldIdle:             30 * time.Minute,
		InviteInterval:       6 * time.Hour,
		ConfigLockTimeout:    15 * time.Minute,
		CustomSessionTimeout: 10 * time.Minute,
		LimitFlood:           10,
		Locale:               "en",
		Workers:              16,
		ScoreSource:          "CAPTCHA",
		NameRuleSet:          "nm",
	}
}

func (c Config) Validate() error {
	if c.HoldingArea == 0 {
		return fmt.Errorf("holding area chat id is required")
	}
	if c.HoldGrace < 0 || c.BanDuration < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.RecheckWindow < 0 || c.AutoPassGrace < 0 || c.FailedWindow < 0 {
		return fmt.Errorf("windows must not be negative")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.ScoreSource == "" {
		return fmt.Errorf("score source name is required")
	}
	return c.FloodConfig().Validate()
}

// FloodConfig derives the flood detector settings; both sides share one challenge deadline.
func (c Config) FloodConfig() flood.Config {
	return flood.Config{
		LimitFlood:       c.LimitFlood,
		ChallengeTimeout: c.ChallengeTimeout,
	}
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
