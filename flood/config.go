package flood

import (
	"fmt"
	"time"
)

type Config struct {
	// a group floods when its wait list grows strictly above this
	LimitFlood int
	// the per-user verification deadline; flood exit waits three of these after the last admission
	ChallengeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		LimitFlood:       10,
		ChallengeTimeout: 5 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.LimitFlood < 1 {
		return fmt.Errorf("flood limit must be positive, got %d", c.LimitFlood)
	}
	if c.ChallengeTimeout < time.Second {
		return fmt.Errorf("challenge timeout too short: %s", c.ChallengeTimeout)
	}
	return nil
}

func (c Config) quiet() int64 {
	return int64(3 * c.ChallengeTimeout / time.Second)
}
