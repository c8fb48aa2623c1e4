package emoji

import "testing"

func TestPlatformSpecificToStandardKnown(t *testing.T) {
	c := New()
	if got := c.PlatformSpecificToStandard("discord", "👍"); got != "thumbsup" {
		t.Errorf("PlatformSpecificToStandard(discord, 👍) = %q, want thumbsup", got)
	}
	if got := c.PlatformSpecificToStandard("slack", "tada"); got != "tada" {
		t.Errorf("PlatformSpecificToStandard(slack, tada) = %q, want tada", got)
	}
}

func TestPlatformSpecificToStandardUnknownPassesThrough(t *testing.T) {
	c := New()
	if got := c.PlatformSpecificToStandard("discord", "🦄"); got != "🦄" {
		t.Errorf("unknown emoji should pass through unchanged, got %q", got)
	}
}

func TestStandardToPlatformSpecific(t *testing.T) {
	c := New()
	if got := c.StandardToPlatformSpecific("discord", "thumbsup"); got != "👍" {
		t.Errorf("StandardToPlatformSpecific(discord, thumbsup) = %q, want 👍", got)
	}
	if got := c.StandardToPlatformSpecific("zulip", "thumbsup"); got != "thumbs_up" {
		t.Errorf("StandardToPlatformSpecific(zulip, thumbsup) = %q, want thumbs_up", got)
	}
}

func TestRoundTripUnknownName(t *testing.T) {
	c := New()
	canonical := c.PlatformSpecificToStandard("slack", "custom_party_parrot")
	back := c.StandardToPlatformSpecific("slack", canonical)
	if back != "custom_party_parrot" {
		t.Errorf("round trip of unknown name = %q, want custom_party_parrot", back)
	}
}

func TestRegisterOverridesDefault(t *testing.T) {
	c := New()
	c.Register("slack", "custom_thumbsup", "thumbsup")
	if got := c.StandardToPlatformSpecific("slack", "thumbsup"); got != "custom_thumbsup" {
		t.Errorf("Register should override the default mapping, got %q", got)
	}
}

func TestUnknownPlatformPassesThrough(t *testing.T) {
	c := New()
	if got := c.PlatformSpecificToStandard("mastodon", "heart"); got != "heart" {
		t.Errorf("unregistered platform should pass through, got %q", got)
	}
}
