package domain

import "strings"

// DeviceProfile decides how a deep link reaches the user.
type DeviceProfile struct {
	IsMobile bool `json:"is_mobile"`
	IsIOS    bool `json:"is_ios"`
}

var (
	iosMarkers    = []string{"iphone", "ipad", "ipod"}
	mobileMarkers = []string{"android", "mobi", "iphone", "ipad", "ipod", "windows phone", "blackberry", "opera mini"}
)

// ProfileFromUserAgent classifies a browser user-agent string.
func ProfileFromUserAgent(ua string) DeviceProfile {
	ua = strings.ToLower(ua)
	return DeviceProfile{
		IsMobile: containsAny(ua, mobileMarkers),
		IsIOS:    containsAny(ua, iosMarkers),
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Channel names the delivery surface chosen for a profile.
type Channel string

const (
	ChannelTab   Channel = "tab"
	ChannelPopup Channel = "popup"
	ChannelQR    Channel = "qr"
)

// Channel returns the delivery surface for the profile.
func (p DeviceProfile) Channel() Channel {
	switch {
	case p.IsMobile && p.IsIOS:
		return ChannelTab
	case p.IsMobile:
		return ChannelPopup
	default:
		return ChannelQR
	}
}
