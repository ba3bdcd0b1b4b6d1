package domain

// Platform identifies an advertising platform. The well-known platforms
// below get constants so call sites stay readable, but the set is open:
// any platform present in the policy table is valid, including custom
// entries loaded at runtime.
type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformGoogleAds Platform = "google_ads"
	PlatformWeedmaps  Platform = "weedmaps"
	PlatformLeafly    Platform = "leafly"
)

func (p Platform) String() string { return string(p) }
