// Package classify reduces request context to the small integer classes
// stored in a session record: the device class and the referrer class.
package classify

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Device classes.
const (
	DeviceDesktop = 0
	DeviceMobile  = 1
	DeviceTablet  = 2
)

// Referrer classes outside the configurable 2..254 range.
const (
	ReferrerNone     = 0
	ReferrerSameSite = 1
	ReferrerOther    = 255
)

// Device classifies a user agent string.
func Device(userAgent string) int {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "ipad"),
		strings.Contains(ua, "tablet"),
		strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return DeviceTablet
	case strings.Contains(ua, "mobi"),
		strings.Contains(ua, "iphone"),
		strings.Contains(ua, "ipod"),
		strings.Contains(ua, "android"):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

// ReferrerTable maps referring domains to classes in 2..254. A key matches
// the referrer's registrable domain or any parent suffix of its host.
type ReferrerTable map[string]int

// Referrer classifies referrer relative to the page host.
func Referrer(referrer, pageHost string, table ReferrerTable) int {
	if referrer == "" {
		return ReferrerNone
	}
	u, err := url.Parse(referrer)
	if err != nil || u.Hostname() == "" {
		return ReferrerNone
	}
	host := strings.ToLower(u.Hostname())
	if pageHost != "" && site(host) == site(strings.ToLower(pageHost)) {
		return ReferrerSameSite
	}
	for h := host; h != ""; h = parent(h) {
		if class, ok := table[h]; ok {
			return class
		}
	}
	if class, ok := table[site(host)]; ok {
		return class
	}
	return ReferrerOther
}

// site returns the registrable domain (eTLD+1), or host itself when it has
// none, as for IP addresses and localhost.
func site(host string) string {
	if s, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return s
	}
	return host
}

func parent(host string) string {
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[i+1:]
	}
	return ""
}
