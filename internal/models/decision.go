package models

// ResolutionType is how a caller wants an existing conflict resolved.
type ResolutionType string

const (
	ResolveSupersede ResolutionType = "supersede"
	ResolveDeprecate ResolutionType = "deprecate"
	ResolveAbort     ResolutionType = "abort"
)

// ResolutionIntent is the caller's explicit instruction for resolving a
// conflict. It is validated against the detected conflicts and never stored.
type ResolutionIntent struct {
	Type            ResolutionType `json:"resolution_type" validate:"oneof=supersede deprecate abort"`
	Rationale       string         `json:"rationale"`
	TargetRecordIDs []string       `json:"target_record_ids"`
}

// StoreType names where ProcessEvent routed an event.
type StoreType string

const (
	StoreEpisodic StoreType = "episodic"
	StoreSemantic StoreType = "semantic"
	StoreNone     StoreType = "none"
)

// Decision is the routing outcome of ProcessEvent.
type Decision struct {
	ShouldPersist bool           `json:"should_persist"`
	StoreType     StoreType      `json:"store_type"`
	Reason        string         `json:"reason"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
