package device

import "strings"

// Matches reports whether an advertisement with the given local name and service UUIDs satisfies f.
func (f Filter) Matches(name string, services []string) bool {
	if f.NamePrefix != "" && !strings.HasPrefix(name, f.NamePrefix) {
		return false
	}
	if len(f.Services) == 0 {
		return true
	}
	for _, want := range f.Services {
		for _, have := range services {
			if EqualUUID(want, have) {
				return true
			}
		}
	}
	return false
}

// Matches reports whether an advertisement is acceptable for the request.
func (o *RequestOptions) Matches(name string, services []string) bool {
	if o == nil || o.AcceptAllDevices {
		return true
	}
	for _, f := range o.Filters {
		if f.Matches(name, services) {
			return true
		}
	}
	return false
}

// NormalizeAddress lowercases and trims a device address so cache keys compare equal.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// HasNamePrefix reports whether name starts with any of prefixes.
func HasNamePrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
