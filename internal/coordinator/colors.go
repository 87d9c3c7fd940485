package coordinator

import "math/rand"

// Fixed participant color palette. A joiner gets the first unused color; when
// all eight are taken the palette wraps to a pseudo-random reuse.
var palette = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#96CEB4",
	"#FFEAA7",
	"#DDA0DD",
	"#98D8C8",
	"#F7DC6F",
}

func assignColor(used []string) string {
	taken := make(map[string]bool, len(used))
	for _, c := range used {
		taken[c] = true
	}
	for _, c := range palette {
		if !taken[c] {
			return c
		}
	}
	return palette[rand.Intn(len(palette))]
}
