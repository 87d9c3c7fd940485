package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssignColorFirstUnused(t *testing.T) {
	assert.Equal(t, palette[0], assignColor(nil))
	assert.Equal(t, palette[1], assignColor([]string{palette[0]}))
	assert.Equal(t, palette[3], assignColor([]string{palette[0], palette[1], palette[2]}))
}

func TestAssignColorDistinctUntilExhausted(t *testing.T) {
	var used []string
	seen := make(map[string]bool)
	for i := 0; i < len(palette); i++ {
		c := assignColor(used)
		assert.False(t, seen[c], "color %s assigned twice", c)
		seen[c] = true
		used = append(used, c)
	}
}

func TestAssignColorWrapsWhenExhausted(t *testing.T) {
	c := assignColor(palette)
	assert.Contains(t, palette, c)
}

func TestContextTable(t *testing.T) {
	table := newContextTable()

	_, ok := table.get("c1")
	assert.False(t, ok)

	table.set(&ConnContext{ConnectionID: "c1", UserID: "u1", SessionID: "s1"})
	ctx, ok := table.get("c1")
	assert.True(t, ok)
	assert.Equal(t, "u1", ctx.UserID)

	table.remove("c1")
	_, ok = table.get("c1")
	assert.False(t, ok)
}
