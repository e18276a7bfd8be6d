package media

import (
	"net/url"
	"strings"
)

// OriginPolicy decides how issued playback URLs may be used. The unstable
// host detection exists because dynamically provisioned reverse-tunnel
// hostnames drift: a URL that works at issuance time may stop resolving
// mid-playback. Such origins are never handed to a video player directly.
type OriginPolicy struct {
	// UnstableHostSuffixes marks origin host classes that cannot be trusted
	// for direct video playback (e.g. ".trycloudflare.com").
	UnstableHostSuffixes []string

	// AdaptiveEnabled allows upgrading direct video to adaptive (HLS)
	// playback when the issued primary URL is a playlist.
	AdaptiveEnabled bool
}

// IsUnstable reports whether rawURL points at an origin host class known to
// drift. Unparseable URLs are treated as unstable.
func (p OriginPolicy) IsUnstable(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range p.UnstableHostSuffixes {
		if strings.HasSuffix(host, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

// IsAdaptive reports whether an issued primary URL should be played back
// adaptively. Only meaningful for video.
func (p OriginPolicy) IsAdaptive(rawURL string) bool {
	if !p.AdaptiveEnabled {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}

// ProxyURL builds a range-proxy URL for a file, used when an unstable
// origin must be routed through this service instead of hit directly.
func ProxyURL(publicBase, identity, storagePath string) string {
	q := url.Values{}
	q.Set("id", identity)
	q.Set("path", storagePath)
	return strings.TrimRight(publicBase, "/") + "/files?" + q.Encode()
}
