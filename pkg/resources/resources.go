// Package resources parses the signer.resources setting into the validated
// mapping of source -> [preview ->] destination collections that drives the
// workflow engine.
package resources

import (
	"fmt"
	"regexp"
	"strings"
)

// ConfigError reports an invalid resources setting. It is raised at init
// and prevents startup.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// idPattern is the host's name grammar for bucket and collection ids.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Endpoint identifies a bucket and optionally a collection. An empty
// Collection means the triple applies to every collection in the bucket.
type Endpoint struct {
	Bucket     string `json:"bucket"`
	Collection string `json:"collection,omitempty"`
}

// URI renders the canonical form, /buckets/<bid>[/collections/<cid>].
func (e Endpoint) URI() string {
	if e.Collection == "" {
		return "/buckets/" + e.Bucket
	}
	return "/buckets/" + e.Bucket + "/collections/" + e.Collection
}

// BucketURI renders the endpoint's bucket URI.
func (e Endpoint) BucketURI() string { return "/buckets/" + e.Bucket }

// GroupURI renders a group URI under the endpoint's bucket.
func (e Endpoint) GroupURI(groupID string) string {
	return "/buckets/" + e.Bucket + "/groups/" + groupID
}

// RecordsParent is the parent id under which the endpoint's records live.
func (e Endpoint) RecordsParent() string { return e.URI() }

// Resource is one configured source -> [preview ->] destination triple.
type Resource struct {
	Source      Endpoint  `json:"source"`
	Preview     *Endpoint `json:"preview,omitempty"`
	Destination Endpoint  `json:"destination"`
}

// PerBucket reports whether the triple applies bucket-wide.
func (r *Resource) PerBucket() bool { return r.Source.Collection == "" }

// Map is the immutable, ordered resource mapping keyed by source URI.
type Map struct {
	order []string
	byURI map[string]*Resource
}

// SourceURIs returns the configured source URIs in declaration order.
func (m *Map) SourceURIs() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Get returns the resource declared for the exact source URI, or nil.
func (m *Map) Get(sourceURI string) *Resource {
	return m.byURI[sourceURI]
}

// All yields the declared resources in order.
func (m *Map) All() []*Resource {
	out := make([]*Resource, 0, len(m.order))
	for _, uri := range m.order {
		out = append(out, m.byURI[uri])
	}
	return out
}

// Lookup resolves the resource matching a changed collection: an exact
// collection match wins, otherwise a bucket-wide entry is materialized with
// the collection id filled into all three endpoints. The returned key is the
// source URI the match was declared under (used for signer lookup).
func (m *Map) Lookup(bucketID, collectionID string) (*Resource, string) {
	collectionKey := Endpoint{Bucket: bucketID, Collection: collectionID}.URI()
	if r, ok := m.byURI[collectionKey]; ok {
		return r, collectionKey
	}
	bucketKey := Endpoint{Bucket: bucketID}.URI()
	r, ok := m.byURI[bucketKey]
	if !ok {
		return nil, ""
	}
	specific := &Resource{
		Source:      Endpoint{Bucket: r.Source.Bucket, Collection: collectionID},
		Destination: Endpoint{Bucket: r.Destination.Bucket, Collection: collectionID},
	}
	if r.Preview != nil {
		specific.Preview = &Endpoint{Bucket: r.Preview.Bucket, Collection: collectionID}
	}
	return specific, bucketKey
}

// InUseAsTarget returns the resource whose destination or preview covers the
// given collection, or nil. Used to forbid deleting a mirror whose source
// still exists.
func (m *Map) InUseAsTarget(bucketID, collectionID string) *Resource {
	var found *Resource
	for _, uri := range m.order {
		r := m.byURI[uri]
		if covers(r.Destination, bucketID, collectionID) {
			found = r
		}
		if r.Preview != nil && covers(*r.Preview, bucketID, collectionID) {
			found = r
		}
	}
	return found
}

func covers(e Endpoint, bucketID, collectionID string) bool {
	return e.Bucket == bucketID && (e.Collection == "" || e.Collection == collectionID)
}

// Parse reads the newline-separated triple list. Each line holds two or
// three items separated by ";" or "->"; items are either "bucket/collection"
// (legacy) or "/buckets/<bid>[/collections/<cid>]".
func Parse(raw string) (*Map, error) {
	m := &Map{byURI: map[string]*Resource{}}

	type role struct {
		uri  string
		kind string
	}
	seen := map[string]role{}

	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		items := splitItems(line)
		if len(items) < 2 || len(items) > 3 {
			return nil, configErrorf("malformed resource: should be a pair or a triplet (in %q)", line)
		}

		source, err := parseEndpoint(items[0])
		if err != nil {
			return nil, configErrorf("malformed resource: %v (in %q)", err, line)
		}
		var preview *Endpoint
		destItem := items[len(items)-1]
		if len(items) == 3 {
			p, err := parseEndpoint(items[1])
			if err != nil {
				return nil, configErrorf("malformed resource: %v (in %q)", err, line)
			}
			preview = &p
		}
		destination, err := parseEndpoint(destItem)
		if err != nil {
			return nil, configErrorf("malformed resource: %v (in %q)", err, line)
		}

		endpoints := []Endpoint{source, destination}
		if preview != nil {
			endpoints = append(endpoints, *preview)
		}
		var perBucket, explicit int
		for _, e := range endpoints {
			if e.Collection == "" {
				perBucket++
			} else {
				explicit++
			}
		}
		if perBucket > 0 && explicit > 0 {
			return nil, configErrorf("malformed resource: cannot mix bucket and collection URIs (in %q)", line)
		}

		if source == destination || (preview != nil && (*preview == source || *preview == destination)) {
			return nil, configErrorf("malformed resource: cannot have same value for source, preview or destination (in %q)", line)
		}

		key := source.URI()
		if _, ok := m.byURI[key]; ok {
			return nil, configErrorf("malformed resource: cannot repeat resource (in %q)", line)
		}

		entries := []role{{source.URI(), "source"}, {destination.URI(), "destination"}}
		if preview != nil {
			entries = append(entries, role{preview.URI(), "preview"})
		}
		for _, e := range entries {
			if prev, ok := seen[e.uri]; ok {
				if prev.kind == e.kind {
					return nil, configErrorf("resources setting has repeated %s URI %s", e.kind, e.uri)
				}
				return nil, configErrorf("cannot repeat URIs across resources (%s)", e.uri)
			}
			seen[e.uri] = e
		}

		m.order = append(m.order, key)
		m.byURI[key] = &Resource{Source: source, Preview: preview, Destination: destination}
	}

	if len(m.order) == 0 {
		return nil, configErrorf("resources setting is empty")
	}
	return m, nil
}

// splitItems accepts both ";" and "->" as separators.
func splitItems(line string) []string {
	line = strings.ReplaceAll(line, "->", ";")
	parts := strings.Split(strings.Trim(line, ";"), ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseEndpoint accepts "bucket/collection" or
// "/buckets/<bid>[/collections/<cid>]".
func parseEndpoint(item string) (Endpoint, error) {
	parts := strings.Split(item, "/")
	var bucket, collection string
	switch {
	case len(parts) == 2 && parts[0] != "":
		bucket, collection = parts[0], parts[1]
	case len(parts) == 3 && parts[0] == "" && parts[1] == "buckets":
		bucket = parts[2]
	case len(parts) == 5 && parts[0] == "" && parts[1] == "buckets" && parts[3] == "collections":
		bucket, collection = parts[2], parts[4]
	default:
		return Endpoint{}, fmt.Errorf("%q should be a bucket or collection URI", item)
	}

	if !idPattern.MatchString(bucket) || (collection != "" && !idPattern.MatchString(collection)) {
		return Endpoint{}, fmt.Errorf("bucket or collection id is invalid in %q", item)
	}
	return Endpoint{Bucket: bucket, Collection: collection}, nil
}
