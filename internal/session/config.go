package session

import (
	"time"

	"invitebot/internal/phone"
	"invitebot/internal/safety"
)

// Config is the persisted per-session document. Field names stay wire
// compatible with earlier deployments, so existing config.json files load
// unchanged.
type Config struct {
	Group         GroupConfig             `json:"group"`
	Contacts      []string                `json:"inviteNumbers"`
	InviteHistory map[string]HistoryEntry `json:"inviteHistory"`
	DailyStats    safety.DailyStats       `json:"inviteStats"`
	Safety        safety.Settings         `json:"safetySettings"`
}

type GroupConfig struct {
	Name       string `json:"name"`
	GroupID    string `json:"groupId"`
	InviteLink string `json:"inviteLink"`
}

type HistoryEntry struct {
	LastSentAt time.Time `json:"lastInvite"`
	SendCount  int       `json:"count"`
}

// DefaultConfig returns a fresh config with the shipped safety profile.
func DefaultConfig() *Config {
	return &Config{
		Contacts:      []string{},
		InviteHistory: map[string]HistoryEntry{},
		Safety:        safety.Defaults(),
	}
}

// normalize repairs a loaded config: nil containers become empty and
// nonsensical safety values fall back to defaults.
func (c *Config) normalize() {
	if c.Contacts == nil {
		c.Contacts = []string{}
	}
	if c.InviteHistory == nil {
		c.InviteHistory = map[string]HistoryEntry{}
	}
	def := safety.Defaults()
	if c.Safety.MinDelayMS <= 0 {
		c.Safety.MinDelayMS = def.MinDelayMS
	}
	if c.Safety.MaxDelayMS < c.Safety.MinDelayMS {
		c.Safety.MaxDelayMS = def.MaxDelayMS
		if c.Safety.MaxDelayMS < c.Safety.MinDelayMS {
			c.Safety.MaxDelayMS = c.Safety.MinDelayMS
		}
	}
	if c.Safety.DailyLimit <= 0 {
		c.Safety.DailyLimit = def.DailyLimit
	}
}

// addContact appends a canonical number if absent. Reports whether it was
// added. Insertion order is display order; duplicates are set-rejected.
func (c *Config) addContact(canonical string) bool {
	for _, n := range c.Contacts {
		if n == canonical {
			return false
		}
	}
	c.Contacts = append(c.Contacts, canonical)
	return true
}

func (c *Config) removeContact(canonical string) bool {
	for i, n := range c.Contacts {
		if n == canonical {
			c.Contacts = append(c.Contacts[:i], c.Contacts[i+1:]...)
			return true
		}
	}
	return false
}

// BulkAddResult summarizes an add-bulk operation.
type BulkAddResult struct {
	Added    int      `json:"addedCount"`
	Valid    int      `json:"totalProvided"`
	Invalid  []string `json:"invalidNumbers"`
	Contacts []string `json:"numbers"`
}

// addBulk normalizes and deduplicates raw inputs into the contact list.
func (c *Config) addBulk(raw []string) BulkAddResult {
	var res BulkAddResult
	for _, r := range raw {
		canonical, err := phone.Normalize(r)
		if err != nil {
			res.Invalid = append(res.Invalid, r)
			continue
		}
		res.Valid++
		if c.addContact(canonical) {
			res.Added++
		}
	}
	res.Contacts = append([]string{}, c.Contacts...)
	return res
}

// clone returns a deep copy, used for config snapshots handed to callers.
func (c *Config) clone() *Config {
	cp := *c
	cp.Contacts = append([]string{}, c.Contacts...)
	cp.InviteHistory = make(map[string]HistoryEntry, len(c.InviteHistory))
	for k, v := range c.InviteHistory {
		cp.InviteHistory[k] = v
	}
	return &cp
}
