package realtime

import "slices"

// Subscription narrows the events a watcher receives. The zero value
// receives everything. Clients replace it by sending a JSON message.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes"`
	UserIDs    []string    `json:"userIds"`
	Tiers      []string    `json:"tiers"`    // decisions only
	MinScore   float64     `json:"minScore"` // decisions only
}

// Matches reports whether e passes every filter set on s.
func (s Subscription) Matches(e *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.UserIDs) > 0 {
		userID, _ := e.Data["userId"].(string)
		if !slices.Contains(s.UserIDs, userID) {
			return false
		}
	}
	if e.Type != EventDecision {
		return true
	}
	if len(s.Tiers) > 0 {
		t, _ := e.Data["tier"].(string)
		if !slices.Contains(s.Tiers, t) {
			return false
		}
	}
	if s.MinScore > 0 {
		if score, ok := e.Data["score"].(float64); ok && score < s.MinScore {
			return false
		}
	}
	return true
}
