package engine

import (
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// resourceTypes maps config names to protocol resource types.
var resourceTypes = map[string]proto.NetworkResourceType{
	"Image":      proto.NetworkResourceTypeImage,
	"Stylesheet": proto.NetworkResourceTypeStylesheet,
	"Font":       proto.NetworkResourceTypeFont,
	"Media":      proto.NetworkResourceTypeMedia,
}

// trackerDomains are blocked when tracker blocking is enabled.
var trackerDomains = map[string]struct{}{
	"doubleclick.net":       {},
	"googlesyndication.com": {},
	"googleadservices.com":  {},
	"google-analytics.com":  {},
	"googletagmanager.com":  {},
	"facebook.net":          {},
	"adnxs.com":             {},
	"amazon-adsystem.com":   {},
	"criteo.com":            {},
	"outbrain.com":          {},
	"taboola.com":           {},
	"scorecardresearch.com": {},
	"hotjar.com":            {},
	"segment.com":           {},
	"chartbeat.com":         {},
}

// blockPolicy decides which subresources a session refuses to load.
type blockPolicy struct {
	types    map[proto.NetworkResourceType]struct{}
	trackers bool
}

// newBlockPolicy builds a policy from config names. Unknown names are ignored.
func newBlockPolicy(typeNames []string, trackers bool) blockPolicy {
	bp := blockPolicy{types: make(map[proto.NetworkResourceType]struct{}, len(typeNames)), trackers: trackers}
	for _, name := range typeNames {
		if rt, ok := resourceTypes[name]; ok {
			bp.types[rt] = struct{}{}
		}
	}
	return bp
}

func (bp blockPolicy) empty() bool {
	return len(bp.types) == 0 && !bp.trackers
}

func (bp blockPolicy) blocks(rt proto.NetworkResourceType, rawURL string) bool {
	if _, ok := bp.types[rt]; ok {
		return true
	}
	if !bp.trackers {
		return false
	}
	u, err := url.Parse(rawURL)
	return err == nil && isTrackerDomain(u.Hostname())
}

// isTrackerDomain checks a hostname and its parent domains against the list.
func isTrackerDomain(host string) bool {
	host = strings.ToLower(host)
	for host != "" {
		if _, ok := trackerDomains[host]; ok {
			return true
		}
		idx := strings.IndexByte(host, '.')
		if idx < 0 {
			return false
		}
		host = host[idx+1:]
	}
	return false
}

// mountHijack installs the request interceptor on page and returns the
// running router, or nil when nothing is blocked. The router lives as long
// as the session.
func mountHijack(page *rod.Page, bp blockPolicy) *rod.HijackRouter {
	if bp.empty() {
		return nil
	}
	router := page.HijackRequests()
	_ = router.Add("*", "", func(h *rod.Hijack) {
		if bp.blocks(h.Request.Type(), h.Request.URL().String()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}
