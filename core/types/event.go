package types

// Event represents a typed event emitted during a domain state transition.
// Domain is stamped by the executing domain when the event is published.
type Event struct {
	Type       string            `json:"type"`
	Domain     uint64            `json:"domain"`
	Attributes map[string]string `json:"attributes"`
}

// Attr returns the attribute value or an empty string.
func (e *Event) Attr(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}
