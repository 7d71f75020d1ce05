package incrementalcache

import (
	"encoding/json"
	"fmt"
	"time"
)

//Kind selects the on-disk shape used when reading an artifact for a cache key.
// The expected kind is supplied by the caller because the key alone does not
// determine which file layout was written.
type Kind int

const (
	//KindApp is a page rendered for an app-style route
	KindApp Kind = iota

	//KindPages is a page rendered for a legacy-style route
	KindPages

	//KindRoute is a raw response produced by a route handler
	KindRoute

	//KindFetch is a stored fetch result
	KindFetch
)

func (k Kind) String() string {
	switch k {
	case KindApp:
		return "app"
	case KindPages:
		return "pages"
	case KindRoute:
		return "route"
	case KindFetch:
		return "fetch"
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

//Artifact is the closed set of payload shapes the cache stores.
// Code consuming a CacheEntry must type switch on the concrete type before
// accessing kind specific fields. Adding a new artifact type requires updating
// every exhaustive switch in this package.
type Artifact interface {
	isArtifact()
}

//StaticPage is a rendered page body with its companion data payload.
// AppRouter distinguishes pages produced for app-style routes from pages
// produced for legacy-style routes, the two families use different file
// layouts on disk.
type StaticPage struct {
	//Body is the rendered page content
	Body []byte

	//Data is the companion data payload, nil if the page has none
	Data []byte

	//Headers are the response headers stored with the page,
	// including the cache tags header used for staleness checks
	Headers map[string]string

	//Status is the response status code
	Status int

	//Postponed is the partial-render continuation marker, empty if the
	// render completed in one pass
	Postponed string

	//AppRouter is true for pages produced for app-style routes
	AppRouter bool
}

//RouteResponse is a raw response body produced by a route handler
type RouteResponse struct {
	Body    []byte
	Headers map[string]string
	Status  int
}

//FetchResult is a stored fetch value plus the tags it was stored under
type FetchResult struct {
	//Value is the stored request/response value, kept as raw JSON because
	// the cache never interprets it
	Value json.RawMessage

	//Tags is the list of tags active when the value was written.
	// The get protocol keeps this a superset of every observer's tags over time.
	Tags []string

	//Revalidate is the logical expiration policy in seconds, 0 if unset
	Revalidate int64
}

func (*StaticPage) isArtifact()    {}
func (*RouteResponse) isArtifact() {}
func (*FetchResult) isArtifact()   {}

//CacheEntry is a cached artifact with its freshness baseline.
// A nil Value is a recorded miss, which is only meaningful in the memory tier.
type CacheEntry struct {
	//LastModified is the write time or file modification time of the artifact
	LastModified time.Time

	Value Artifact
}

//recordedMissCost is the memory tier cost of an entry with no value
const recordedMissCost = 25

//estimateSize approximates the memory cost of an artifact in bytes.
// It is only used to weight the memory tier's capacity accounting.
// An unknown artifact type means a case is missing from the closed set and is
// a programming error, not a runtime condition.
func estimateSize(v Artifact) int {
	switch v := v.(type) {
	case nil:
		return recordedMissCost
	case *FetchResult:
		return len(v.Value)
	case *RouteResponse:
		return len(v.Body)
	case *StaticPage:
		return len(v.Body) + len(v.Data)
	}

	panic(fmt.Sprintf("estimateSize: unhandled artifact type %T", v))
}
