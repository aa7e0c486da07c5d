// internal/diagnose/vendor.go
package diagnose

import "strings"

// Compact OUI table covering the vendors commonly seen on home networks.
// Enrichment only; an unknown prefix simply adds nothing.
var vendorByOUI = map[string]string{
	"B8:27:EB": "Raspberry Pi",
	"DC:A6:32": "Raspberry Pi",
	"E4:5F:01": "Raspberry Pi",
	"3C:22:FB": "Apple",
	"F0:18:98": "Apple",
	"AC:BC:32": "Apple",
	"28:6C:07": "Xiaomi",
	"64:09:80": "Xiaomi",
	"50:C7:BF": "TP-Link",
	"B0:BE:76": "TP-Link",
	"18:FE:34": "Espressif",
	"24:0A:C4": "Espressif",
	"EC:FA:BC": "Espressif",
	"00:17:88": "Philips Hue",
	"00:11:32": "Synology",
	"50:EB:F6": "ASUS",
	"74:D4:35": "GigaDevice",
	"00:1A:22": "eQ-3",
}

// vendorFor returns the hardware vendor when key is a MAC address with a
// known OUI prefix, else "".
func vendorFor(key string) string {
	if len(key) != 17 || strings.Count(key, ":") != 5 {
		return ""
	}
	return vendorByOUI[strings.ToUpper(key[:8])]
}
