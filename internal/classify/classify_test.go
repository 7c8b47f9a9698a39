package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDevice(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want int
	}{
		{"desktop chrome", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36", DeviceDesktop},
		{"iphone", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148", DeviceMobile},
		{"android phone", "Mozilla/5.0 (Linux; Android 14; Pixel 8) Chrome/120.0 Mobile Safari/537.36", DeviceMobile},
		{"android tablet", "Mozilla/5.0 (Linux; Android 13; SM-X700) Chrome/120.0 Safari/537.36", DeviceTablet},
		{"ipad", "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X)", DeviceTablet},
		{"empty", "", DeviceDesktop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Device(tt.ua))
		})
	}
}

func TestReferrer(t *testing.T) {
	table := ReferrerTable{
		"google.com":           2,
		"news.ycombinator.com": 3,
		"bbc.co.uk":            4,
	}

	tests := []struct {
		name     string
		referrer string
		want     int
	}{
		{"none", "", ReferrerNone},
		{"unparseable", "::", ReferrerNone},
		{"same site", "https://blog.example.com/post", ReferrerSameSite},
		{"search", "https://www.google.com/search?q=x", 2},
		{"exact host", "https://news.ycombinator.com/item?id=1", 3},
		{"registrable domain", "https://www.bbc.co.uk/news", 4},
		{"unknown", "https://duckduckgo.com/", ReferrerOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Referrer(tt.referrer, "www.example.com", table))
		})
	}
}
