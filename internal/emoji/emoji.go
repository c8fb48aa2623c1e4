// Package emoji implements the bidirectional map between
// platform-specific emoji names and a canonical name set.
package emoji

import "sync"

// Converter maps each platform's native emoji spellings to a shared
// canonical name set. It is constructed once at the entry point and
// passed down as an explicit dependency.
type Converter struct {
	mu         sync.RWMutex
	toCanonical map[string]map[string]string // platform -> platform_name -> canonical
	toPlatform  map[string]map[string]string // platform -> canonical -> platform_name
}

// New builds a Converter seeded with the default table for each
// platform. Each platform maps its own native spelling to a shared
// canonical set; platforms that agree with the canonical spelling
// still get an identity entry so callers never special-case "unmapped".
func New() *Converter {
	c := &Converter{
		toCanonical: make(map[string]map[string]string),
		toPlatform:  make(map[string]map[string]string),
	}
	c.seedDefaults()
	return c
}

func (c *Converter) seedDefaults() {
	// Canonical names are the Slack-style colon-free short names, which
	// is what Slack already uses; Zulip agrees except for its
	// thumbs_up/thumbs_down spellings. The Discord and Telegram tables
	// map the unicode glyphs those platforms report for common
	// reactions.
	tables := map[string]map[string]string{
		"slack": {
			"thumbsup": "thumbsup", "thumbsdown": "thumbsdown",
			"heart": "heart", "joy": "joy", "tada": "tada",
			"eyes": "eyes", "rocket": "rocket",
		},
		"discord": {
			"👍": "thumbsup", "👎": "thumbsdown",
			"❤️": "heart", "😂": "joy", "🎉": "tada",
			"👀": "eyes", "🚀": "rocket",
		},
		"telegram": {
			"👍": "thumbsup", "👎": "thumbsdown",
			"❤": "heart", "😂": "joy", "🎉": "tada",
			"👀": "eyes", "🚀": "rocket",
		},
		"zulip": {
			"thumbs_up": "thumbsup", "thumbs_down": "thumbsdown",
			"heart": "heart", "joy": "joy", "tada": "tada",
			"eyes": "eyes", "rocket": "rocket",
		},
	}
	for platform, names := range tables {
		for platformName, canonical := range names {
			c.Register(platform, platformName, canonical)
		}
	}
}

// Register adds (or overwrites) a single mapping for a platform. Safe
// to call after New to extend the default table with deployment-specific
// aliases.
func (c *Converter) Register(platform, platformName, canonical string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.toCanonical[platform] == nil {
		c.toCanonical[platform] = make(map[string]string)
	}
	if c.toPlatform[platform] == nil {
		c.toPlatform[platform] = make(map[string]string)
	}
	c.toCanonical[platform][platformName] = canonical
	c.toPlatform[platform][canonical] = platformName
}

// PlatformSpecificToStandard converts a platform's native emoji name to
// the canonical name. Unrecognized names pass through unchanged so an
// unknown emoji still round-trips identically.
func (c *Converter) PlatformSpecificToStandard(platform, name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if table, ok := c.toCanonical[platform]; ok {
		if canonical, ok := table[name]; ok {
			return canonical
		}
	}
	return name
}

// StandardToPlatformSpecific converts a canonical emoji name to the
// platform's native spelling. Unrecognized names pass through unchanged.
func (c *Converter) StandardToPlatformSpecific(platform, canonical string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if table, ok := c.toPlatform[platform]; ok {
		if name, ok := table[canonical]; ok {
			return name
		}
	}
	return canonical
}
