// Package httpheaders holds the hop-by-hop header rules shared by the local
// listener and the MITM interceptor, so the two request paths stay in sync.
package httpheaders

// FilteredRequest lists headers stripped from an inbound request before it
// is forwarded to the origin or wrapped in an invocation payload.
var FilteredRequest = map[string]bool{
	"Proxy-Connection":          true,
	"Connection":                true,
	"User-Agent":                true,
	"Upgrade-Insecure-Requests": true,
}

// FilteredResponse lists headers stripped from an origin response before it
// is written back to the client.
var FilteredResponse = map[string]bool{
	"Connection":        true,
	"Transfer-Encoding":  true,
	"Proxy-Authenticate": true,
}

// DefaultUserAgent is substituted for the client's own User-Agent header
// when OverrideUserAgent is enabled, to keep fingerprints uniform across
// requests dispatched through different backends.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// IsFilteredRequest reports whether a request header should be dropped
// before forwarding.
func IsFilteredRequest(header string) bool {
	return FilteredRequest[header]
}

// IsFilteredResponse reports whether a response header should be dropped
// before writing it back to the client.
func IsFilteredResponse(header string) bool {
	return FilteredResponse[header]
}
