package collab

import "hash/fnv"

// palette holds the highlight colors assigned to collaborators. Assignment
// is a pure function of the user id so every client computes the same color
// without coordination.
var palette = []string{
	"#e6194b",
	"#3cb44b",
	"#ffe119",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
	"#bcf60c",
	"#008080",
	"#9a6324",
	"#800000",
}

// ColorFor returns the deterministic presence color for a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
