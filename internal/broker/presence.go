package broker

import (
	"hash/fnv"
	"sort"
)

// cursorPalette is cycled through to color collaborators' cursors.
var cursorPalette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4",
	"#FFEEAD", "#D4A5A5", "#9B59B6", "#3498DB",
}

// CursorColor returns the stable palette color for an actor.
func CursorColor(actorID string) string {
	h := fnv.New32a()
	h.Write([]byte(actorID))
	return cursorPalette[h.Sum32()%uint32(len(cursorPalette))]
}

// presence is the broker-owned cursor map, keyed by actor ID.
type presence map[string]CursorPresence

// others returns every cursor except actorID's, ordered by user ID.
func (p presence) others(actorID string) []CursorPresence {
	out := make([]CursorPresence, 0, len(p))
	for id, c := range p {
		if id != actorID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
