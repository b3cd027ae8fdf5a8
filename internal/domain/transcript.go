package domain

// TranscriptSnapshot is a read-only view of one call's transcript.
type TranscriptSnapshot struct {
	CallID   CallID             `json:"call_id"`
	Partials map[Group]string   `json:"partials"`
	Finals   map[Group][]string `json:"finals"`
	Insights []string           `json:"insights"`
	Ended    bool               `json:"ended"`
}

// Clone returns a copy that shares nothing with s.
func (s TranscriptSnapshot) Clone() TranscriptSnapshot {
	out := s
	out.Partials = make(map[Group]string, len(s.Partials))
	for g, text := range s.Partials {
		out.Partials[g] = text
	}
	out.Finals = make(map[Group][]string, len(s.Finals))
	for g, lines := range s.Finals {
		out.Finals[g] = append([]string(nil), lines...)
	}
	out.Insights = append([]string(nil), s.Insights...)
	return out
}
