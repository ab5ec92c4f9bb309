package backend

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTranscripts(t *testing.T) {
	tr := NewTranscripts[string]("conv-", 2)

	now := time.Unix(0, 0)
	tr.now = func() time.Time { now = now.Add(time.Second); return now }

	id := tr.NewID()
	assert.True(t, strings.HasPrefix(id, "conv-"))

	_, ok := tr.Get(id)
	assert.False(t, ok)

	tr.Put("a", []string{"1"})
	tr.Put("b", []string{"2"})

	msgs, ok := tr.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []string{"1"}, msgs)

	msgs[0] = "mutated"
	again, _ := tr.Get("a")
	assert.Equal(t, "1", again[0])

	tr.Put("c", []string{"3"})
	assert.Equal(t, 2, tr.Len())
	_, ok = tr.Get("a")
	assert.False(t, ok, "oldest conversation is evicted")
}
