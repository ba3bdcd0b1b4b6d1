package domain

import "time"

// ContentVariant is one candidate rendering of campaign content for a
// single platform. Variants are immutable once created; when content is
// regenerated the old variant is retired, never edited.
type ContentVariant struct {
	ID         string
	CampaignID string
	Platform   Platform
	Headline   string
	Body       string
	MediaRefs  []string
	Strategy   string // creative strategy the generator applied
	Retired    bool
	CreatedAt  time.Time
}

// Payload returns the text the compliance engine scans. Headline and body
// are evaluated together so a restricted term in either is caught.
func (v ContentVariant) Payload() string {
	if v.Headline == "" {
		return v.Body
	}
	if v.Body == "" {
		return v.Headline
	}
	return v.Headline + "\n" + v.Body
}

// PublishReceipt is returned by a platform adapter after a successful
// publish call.
type PublishReceipt struct {
	VariantID   string
	Platform    Platform
	ExternalID  string
	PublishedAt time.Time
}
