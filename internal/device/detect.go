// Package device derives the visitor's device class, browser, operating
// system and country from the user agent and locale. Every function here is
// total and side-effect free.
package device

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
)

// Unknown is reported when no signature matches.
const Unknown = "Unknown"

var (
	tabletSignatures = []string{"ipad", "tablet", "playbook", "silk", "kindle"}
	mobileSignatures = []string{"mobile", "iphone", "ipod", "android", "blackberry", "iemobile", "opera mini", "windows phone"}
)

// Detect classifies the environment described by userAgent and the BCP-47
// locale tag lang.
func Detect(userAgent, lang string) domain.Device {
	ua := strings.ToLower(userAgent)
	return domain.Device{
		Type:    DeviceType(ua),
		Browser: Browser(ua),
		OS:      OS(ua),
		Country: Country(lang),
	}
}

// DeviceType returns tablet, mobile or desktop, checked in that order.
func DeviceType(userAgent string) domain.DeviceType {
	ua := strings.ToLower(userAgent)
	if containsAny(ua, tabletSignatures) || (strings.Contains(ua, "android") && !strings.Contains(ua, "mobile")) {
		return domain.DeviceTablet
	}
	if containsAny(ua, mobileSignatures) {
		return domain.DeviceMobile
	}
	return domain.DeviceDesktop
}

// Browser returns the first matching browser family.
func Browser(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "chrome") && !strings.Contains(ua, "edg"):
		return "Chrome"
	case strings.Contains(ua, "firefox"):
		return "Firefox"
	case strings.Contains(ua, "safari") && !strings.Contains(ua, "chrome"):
		return "Safari"
	case strings.Contains(ua, "edg"):
		return "Edge"
	case strings.Contains(ua, "opera") || strings.Contains(ua, "opr/"):
		return "Opera"
	default:
		return Unknown
	}
}

// OS returns the first matching operating system.
func OS(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "windows"):
		return "Windows"
	case strings.Contains(ua, "macintosh"):
		return "macOS"
	case strings.Contains(ua, "linux") && !strings.Contains(ua, "android"):
		return "Linux"
	case strings.Contains(ua, "android"):
		return "Android"
	case containsAny(ua, []string{"iphone", "ipad", "ipod"}):
		return "iOS"
	default:
		return Unknown
	}
}

// Country returns the ISO 3166-1 region implied by a locale such as "tr-TR"
// or "de". Inferred regions are accepted; unparsable locales yield "".
func Country(lang string) string {
	if lang == "" {
		return ""
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return ""
	}
	region, confidence := tag.Region()
	if confidence == language.No {
		return ""
	}
	return region.String()
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
