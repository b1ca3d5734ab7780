// Package events defines the messages published to the event stream for
// downstream consumers such as the admin dashboard.
package events

// SchemaVersion is stamped on every published event.
const SchemaVersion = 1

// AlertFired announces that a panic alert was accepted and fanned out.
type AlertFired struct {
	EventID       string `json:"event_id"`
	Room          string `json:"room"`
	Hostname      string `json:"hostname"`
	Username      string `json:"username"`
	Destinations  int    `json:"destinations"`
	FiredAt       int64  `json:"fired_at"`
	SchemaVersion int    `json:"schema_version"`
}
