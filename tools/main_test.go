package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailJournalKeys(t *testing.T) {
	// download sessions write per-task hashes; the dump must read the same key
	assert.Equal(t, "fail_list:abc", failListKey("abc"))
	assert.Equal(t, "fail_list:manual", failListKey("manual"))
}

func TestTileKeyLineRoundtrip(t *testing.T) {
	key, val, ok := lineToEntry("12/2133/1441")
	assert.True(t, ok)
	assert.Equal(t, "tile_2133_1441_12", key)
	assert.Contains(t, val, `"res":"seeded"`)

	line, ok := keyToLine(key)
	assert.True(t, ok)
	assert.Equal(t, "12/2133/1441", line)

	_, _, ok = lineToEntry("not-a-tile")
	assert.False(t, ok)
	_, _, ok = lineToEntry("a/b/c")
	assert.False(t, ok)
	_, ok = keyToLine("garbage")
	assert.False(t, ok)
}
