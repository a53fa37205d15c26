// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/id"
)

// ErrInvalidAliasFormat is returned when an alias does not match the
// #<prefix><local>_<domain>:<homeserver> grammar.
var ErrInvalidAliasFormat = errors.New("invalid conference alias format")

// Alias segment grammar. The conference localpart may not contain
// underscores (the underscore separates it from the domain); the domain
// segment additionally permits internal underscores.
var (
	aliasLocalRegex  = regexp.MustCompile(`^[A-Za-z0-9.=/-]+$`)
	aliasDomainRegex = regexp.MustCompile(`^[A-Za-z0-9._=/-]+$`)
)

// FormatConferenceAlias builds the room alias bound to a conference:
// #<prefix><local>_<domain>:<homeserver domain>. The prefix carries its own
// trailing underscore.
func (c *Config) FormatConferenceAlias(local, domain string) id.RoomAlias {
	return id.RoomAlias("#" + c.Bridge.AliasPrefix + local + "_" + domain + ":" + c.Homeserver.Domain)
}

// ParseConferenceAlias recovers the (local, domain) conference address pair
// from a room alias, or ErrInvalidAliasFormat if the alias does not follow
// the bridge's grammar. The wire format must round-trip exactly:
// parse(format(local, domain)) == (local, domain).
func (c *Config) ParseConferenceAlias(alias id.RoomAlias) (local, domain string, err error) {
	s := string(alias)
	if !strings.HasPrefix(s, "#") {
		return "", "", ErrInvalidAliasFormat
	}
	s = strings.TrimPrefix(s, "#")
	suffix := ":" + c.Homeserver.Domain
	if !strings.HasSuffix(s, suffix) {
		return "", "", ErrInvalidAliasFormat
	}
	s = strings.TrimSuffix(s, suffix)
	if !strings.HasPrefix(s, c.Bridge.AliasPrefix) {
		return "", "", ErrInvalidAliasFormat
	}
	s = strings.TrimPrefix(s, c.Bridge.AliasPrefix)
	sep := strings.Index(s, "_")
	if sep <= 0 || sep == len(s)-1 {
		return "", "", ErrInvalidAliasFormat
	}
	local, domain = s[:sep], s[sep+1:]
	if !aliasLocalRegex.MatchString(local) || !aliasDomainRegex.MatchString(domain) {
		return "", "", ErrInvalidAliasFormat
	}
	return local, domain, nil
}

// findConferenceAlias returns the first alias in the list that parses under
// the bridge's grammar.
func (c *Config) findConferenceAlias(aliases []id.RoomAlias) (alias id.RoomAlias, local, domain string, ok bool) {
	for _, a := range aliases {
		if a == "" {
			continue
		}
		l, d, err := c.ParseConferenceAlias(a)
		if err == nil {
			return a, l, d, true
		}
	}
	return "", "", "", false
}
