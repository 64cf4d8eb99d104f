package state

import (
	"fmt"
	"strings"
)

// Domain names one mutual-exclusion slice of the store. Domains combine as a bitmask.
type Domain uint16

const (
	DomainMessage Domain = 1 << iota
	DomainAdmin
	DomainConfig
	DomainFlood
	DomainInvite
	DomainPin
	DomainRegex
	DomainFailed
	DomainReceive

	numDomains = iota
)

var domainNames = [numDomains]string{
	"message",
	"admin",
	"config",
	"flood",
	"invite",
	"pin",
	"regex",
	"failed",
	"receive",
}

func (d Domain) String() string {
	var parts []string
	for i := 0; i < numDomains; i++ {
		if d&(1<<i) != 0 {
			parts = append(parts, domainNames[i])
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

func combine(domains []Domain) Domain {
	var mask Domain
	for _, d := range domains {
		mask |= d
	}
	return mask
}

// lock acquires every domain in mask in ascending bit order, which is the only order any caller uses, and returns the matching release function.
func (s *Store) lock(mask Domain) func() {
	if mask == 0 {
		panic("state: empty lock domain set")
	}
	for i := 0; i < numDomains; i++ {
		if mask&(1<<i) != 0 {
			s.locks[i].Lock()
		}
	}
	return func() {
		for i := numDomains - 1; i >= 0; i-- {
			if mask&(1<<i) != 0 {
				s.locks[i].Unlock()
			}
		}
	}
}

// DomainError is the panic value raised when a Tx accessor is used without holding its domain.
type DomainError struct {
	Need Domain
	Held Domain
}

func (e DomainError) Error() string {
	return fmt.Sprintf("state: access requires %s lock, held %s", e.Need, e.Held)
}
