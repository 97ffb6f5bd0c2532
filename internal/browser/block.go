package browser

import "strings"

var (
	DefaultBlockedResourceTypes = []string{"image", "stylesheet", "font", "media"}
	DefaultBlockedDomains       = []string{"google-analytics", "googletagmanager", "gtag/js"}
)

// BlockRules decides which subresource requests are aborted. Resource types are
// compared case-insensitively since engines disagree on casing ("image" vs
// "Image"); domains are substring matches against the request URL.
type BlockRules struct {
	ResourceTypes []string
	Domains       []string
}

func DefaultBlockRules() BlockRules {
	return BlockRules{
		ResourceTypes: append([]string(nil), DefaultBlockedResourceTypes...),
		Domains:       append([]string(nil), DefaultBlockedDomains...),
	}
}

func (r BlockRules) Blocked(resourceType, url string) bool {
	for _, t := range r.ResourceTypes {
		if strings.EqualFold(t, resourceType) {
			return true
		}
	}
	for _, d := range r.Domains {
		if d != "" && strings.Contains(url, d) {
			return true
		}
	}
	return false
}
