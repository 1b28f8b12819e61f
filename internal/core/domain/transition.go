package domain

import "time"

type Component string

const (
	ComponentICEGathering  Component = "ice-gathering"
	ComponentICEConnection Component = "ice-connection"
	ComponentSignaling     Component = "signaling"
	ComponentPeer          Component = "peer-connection"
	ComponentDataChannel   Component = "data-channel"
)

// Transition records one observed state change.
type Transition struct {
	Component Component
	From      string
	To        string
	Elapsed   time.Duration
	// Display is the elapsed delta formatted for humans, e.g. "0.4s".
	Display string
}
