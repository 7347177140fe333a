package events

import (
	"github.com/Mindburn-Labs/signoff/pkg/resources"
)

// ResourceDescriptor is one configured triple as advertised to clients,
// stripped of signer parameters, with the review settings that effectively
// apply to it.
type ResourceDescriptor struct {
	Source      resources.Endpoint  `json:"source"`
	Preview     *resources.Endpoint `json:"preview,omitempty"`
	Destination resources.Endpoint  `json:"destination"`

	ToReviewEnabled   *bool  `json:"to_review_enabled,omitempty"`
	GroupCheckEnabled *bool  `json:"group_check_enabled,omitempty"`
	EditorsGroup      string `json:"editors_group,omitempty"`
	ReviewersGroup    string `json:"reviewers_group,omitempty"`
}

// Capabilities is the descriptor published at the host's root endpoint.
type Capabilities struct {
	Description       string               `json:"description"`
	URL               string               `json:"url"`
	Version           string               `json:"version"`
	ToReviewEnabled   bool                 `json:"to_review_enabled"`
	GroupCheckEnabled bool                 `json:"group_check_enabled"`
	EditorsGroup      string               `json:"editors_group"`
	ReviewersGroup    string               `json:"reviewers_group"`
	Resources         []ResourceDescriptor `json:"resources"`
}
