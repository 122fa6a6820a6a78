package domain

import "time"

type InputID string
type OutputID string

// InputSpec is the persisted description of an input.
type InputSpec struct {
	ID        InputID                `json:"id"`
	URL       string                 `json:"url,omitempty"`
	Peer      bool                   `json:"peer,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// OutputSpec is the persisted description of an output.
type OutputSpec struct {
	ID        OutputID               `json:"id"`
	URL       string                 `json:"url"`
	Options   map[string]interface{} `json:"options,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Layout is the full restorable state of a mixer session.
type Layout struct {
	Session   string                 `json:"session"`
	Options   map[string]interface{} `json:"options,omitempty"`
	Inputs    []InputSpec            `json:"inputs"`
	Outputs   []OutputSpec           `json:"outputs"`
	UpdatedAt time.Time              `json:"updated_at"`
}
