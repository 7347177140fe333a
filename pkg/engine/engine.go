// Package engine ties the pieces together: it resolves the configured
// resources and signers, listens to collection and record changes, validates
// workflow transitions and applies their effects through the updater.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/signoff/pkg/config"
	"github.com/Mindburn-Labs/signoff/pkg/events"
	"github.com/Mindburn-Labs/signoff/pkg/observability"
	"github.com/Mindburn-Labs/signoff/pkg/resources"
	"github.com/Mindburn-Labs/signoff/pkg/signer"
	"github.com/Mindburn-Labs/signoff/pkg/signer/autograph"
	"github.com/Mindburn-Labs/signoff/pkg/signer/ecdsa"
	"github.com/Mindburn-Labs/signoff/pkg/storage"
	"github.com/Mindburn-Labs/signoff/pkg/updater"
)

// Defaults for the review workflow options.
const (
	DefaultEditorsGroup   = "editors"
	DefaultReviewersGroup = "reviewers"
)

// collectionPlaceholder in group names is substituted with the collection id
// of the changed source.
const collectionPlaceholder = "{collection_id}"

// Engine is the workflow engine for every configured resource.
type Engine struct {
	Settings  *config.Settings
	Resources *resources.Map
	Signers   *signer.Registry

	Storage    storage.Storage
	Permission storage.Permission

	// Emitter receives review events at commit time; optional.
	Emitter events.Emitter
	// Invalidator is notified after destination content changed; optional.
	Invalidator updater.Invalidator
	// Metrics is optional.
	Metrics *observability.Recorder

	Logger *slog.Logger
}

// New resolves the resources and signers from settings and builds the
// engine. It fails fast on configuration errors.
func New(settings *config.Settings, store storage.Storage, perm storage.Permission) (*Engine, error) {
	raw, ok := settings.Get(config.Namespace + "resources")
	if !ok {
		return nil, fmt.Errorf("engine: missing %sresources setting", config.Namespace)
	}
	resourceMap, err := resources.Parse(raw)
	if err != nil {
		return nil, err
	}

	registry, err := BuildRegistry(settings, resourceMap)
	if err != nil {
		return nil, err
	}

	return &Engine{
		Settings:   settings,
		Resources:  resourceMap,
		Signers:    registry,
		Storage:    store,
		Permission: perm,
		Logger:     slog.Default().With("component", "engine"),
	}, nil
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// RequestState is the per-request context the host threads through listener
// calls: the authenticated user, their principals and the review-event queue
// flushed at commit time.
type RequestState struct {
	UserID     string
	Principals []string
	Queue      events.Queue
}

// reviewSettings are the workflow options effectively applying to one
// resource, after scoped overrides and placeholder substitution.
type reviewSettings struct {
	ToReviewEnabled   bool
	GroupCheckEnabled bool
	EditorsGroup      string
	ReviewersGroup    string
}

// reviewSettingsFor resolves the options for a source collection.
func (e *Engine) reviewSettingsFor(source resources.Endpoint) reviewSettings {
	b, c := source.Bucket, source.Collection
	rs := reviewSettings{
		ToReviewEnabled:   e.Settings.ScopedBool("to_review_enabled", b, c, false),
		GroupCheckEnabled: e.Settings.ScopedBool("group_check_enabled", b, c, false),
		EditorsGroup:      e.Settings.ScopedDefault("editors_group", b, c, DefaultEditorsGroup),
		ReviewersGroup:    e.Settings.ScopedDefault("reviewers_group", b, c, DefaultReviewersGroup),
	}
	// Bucket-wide and global scopes keep the placeholder; it is substituted
	// once the concrete collection is known.
	if c != "" {
		rs.EditorsGroup = strings.ReplaceAll(rs.EditorsGroup, collectionPlaceholder, c)
		rs.ReviewersGroup = strings.ReplaceAll(rs.ReviewersGroup, collectionPlaceholder, c)
	}
	return rs
}

// updaterFor builds an updater for a resolved resource, pointing at its
// destination; callers swap in the preview with WithDestination.
func (e *Engine) updaterFor(r *resources.Resource, key string) (*updater.Updater, error) {
	s := e.Signers.Get(key)
	if s == nil {
		return nil, fmt.Errorf("engine: no signer configured for %s", key)
	}
	return &updater.Updater{
		Source:      r.Source,
		Destination: r.Destination,
		Signer:      s,
		Storage:     e.Storage,
		Permission:  e.Permission,
		Invalidator: e.Invalidator,
		Logger:      e.logger(),
	}, nil
}

// BuildRegistry instantiates one signer per declared resource, honoring
// per-bucket and per-collection backend overrides.
func BuildRegistry(settings *config.Settings, m *resources.Map) (*signer.Registry, error) {
	registry := signer.NewRegistry()
	for _, r := range m.All() {
		s, err := NewSigner(settings, r.Source)
		if err != nil {
			return nil, fmt.Errorf("signer for %s: %w", r.Source.URI(), err)
		}
		registry.Set(r.Source.URI(), s)
	}
	return registry, nil
}

// NewSigner builds the signer configured for a source endpoint. The backend
// is selected by the last dotted segment of the signer_backend setting, so
// both short names and historical module paths work.
func NewSigner(settings *config.Settings, source resources.Endpoint) (signer.Signer, error) {
	b, c := source.Bucket, source.Collection
	backend := settings.ScopedDefault("signer_backend", b, c, "local_ecdsa")
	kind := backend[strings.LastIndex(backend, ".")+1:]

	switch kind {
	case "local_ecdsa":
		private, _ := settings.Scoped("ecdsa.private_key", b, c)
		public, _ := settings.Scoped("ecdsa.public_key", b, c)
		s, err := ecdsa.New(private, public)
		if err != nil {
			return nil, err
		}
		if x5u, ok := settings.Scoped("x5u", b, c); ok {
			s.X5U = x5u
		}
		return s, nil

	case "autograph":
		serverURL, ok := settings.Scoped("autograph.server_url", b, c)
		if !ok {
			return nil, fmt.Errorf("missing autograph.server_url setting")
		}
		hawkID, _ := settings.Scoped("autograph.hawk_id", b, c)
		hawkSecret, _ := settings.Scoped("autograph.hawk_secret", b, c)
		return autograph.New(serverURL, hawkID, hawkSecret)

	default:
		return nil, fmt.Errorf("unknown signer backend %q", backend)
	}
}

// Capabilities describes the engine for the host's root endpoint. Resource
// descriptors carry review options only where they differ from the global
// defaults.
func (e *Engine) Capabilities() events.Capabilities {
	global := e.reviewSettingsFor(resources.Endpoint{})
	caps := events.Capabilities{
		Description:       "Digital signatures for integrity and authenticity of records.",
		URL:               "https://github.com/Mindburn-Labs/signoff",
		Version:           Version,
		ToReviewEnabled:   global.ToReviewEnabled,
		GroupCheckEnabled: global.GroupCheckEnabled,
		EditorsGroup:      global.EditorsGroup,
		ReviewersGroup:    global.ReviewersGroup,
	}

	for _, r := range e.Resources.All() {
		desc := events.ResourceDescriptor{
			Source:      r.Source,
			Preview:     r.Preview,
			Destination: r.Destination,
		}
		rs := e.reviewSettingsFor(r.Source)
		if rs.ToReviewEnabled != global.ToReviewEnabled {
			v := rs.ToReviewEnabled
			desc.ToReviewEnabled = &v
		}
		if rs.GroupCheckEnabled != global.GroupCheckEnabled {
			v := rs.GroupCheckEnabled
			desc.GroupCheckEnabled = &v
		}
		expectedEditors, expectedReviewers := global.EditorsGroup, global.ReviewersGroup
		if r.Source.Collection != "" {
			expectedEditors = strings.ReplaceAll(expectedEditors, collectionPlaceholder, r.Source.Collection)
			expectedReviewers = strings.ReplaceAll(expectedReviewers, collectionPlaceholder, r.Source.Collection)
		}
		if rs.EditorsGroup != expectedEditors {
			desc.EditorsGroup = rs.EditorsGroup
		}
		if rs.ReviewersGroup != expectedReviewers {
			desc.ReviewersGroup = rs.ReviewersGroup
		}
		caps.Resources = append(caps.Resources, desc)
	}
	return caps
}

// Heartbeats probes every configured signer.
func (e *Engine) Heartbeats(ctx context.Context) map[string]bool {
	return e.Signers.Heartbeats(ctx)
}

// Version is the advertised plugin version.
const Version = "1.0.0"
