package depotlock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryLockAllOrNothing(t *testing.T) {
	tbl := NewTable()

	locked, conflicted := tbl.TryLock("main", []string{"a.txt", "b.txt"}, "ticket-1")
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, locked)
	assert.Empty(t, conflicted)

	// A second ticket wanting an overlapping set must acquire nothing.
	locked2, conflicted2 := tbl.TryLock("main", []string{"b.txt", "c.txt"}, "ticket-2")
	assert.Nil(t, locked2)
	assert.Equal(t, []string{"b.txt"}, conflicted2)

	// c.txt must remain unlocked since ticket-2's attempt was all-or-nothing.
	_, held := tbl.Check("main", "c.txt")
	assert.False(t, held)
}

func TestTryLockSameTicketReentrant(t *testing.T) {
	tbl := NewTable()
	tbl.TryLock("main", []string{"a.txt"}, "ticket-1")

	locked, conflicted := tbl.TryLock("main", []string{"a.txt", "d.txt"}, "ticket-1")
	assert.ElementsMatch(t, []string{"a.txt", "d.txt"}, locked)
	assert.Empty(t, conflicted)
}

func TestUnlockIgnoresMissingKeys(t *testing.T) {
	tbl := NewTable()
	tbl.Unlock("main", []string{"never-locked.txt"})
	assert.Equal(t, 0, tbl.Len())
}

func TestUnlockTicketReleasesAllItsLocks(t *testing.T) {
	tbl := NewTable()
	tbl.TryLock("main", []string{"a.txt", "b.txt"}, "ticket-1")
	tbl.TryLock("feature", []string{"c.txt"}, "ticket-2")

	tbl.UnlockTicket("ticket-1")

	_, held := tbl.Check("main", "a.txt")
	assert.False(t, held)
	_, held = tbl.Check("main", "b.txt")
	assert.False(t, held)

	ticket, held := tbl.Check("feature", "c.txt")
	assert.True(t, held)
	assert.Equal(t, "ticket-2", ticket)
}

func TestTryLockConcurrentDisjointSetsBothSucceed(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	results := make([]bool, 2)

	run := func(i int, files []string, ticket string) {
		defer wg.Done()
		locked, conflicted := tbl.TryLock("main", files, ticket)
		results[i] = len(locked) == len(files) && len(conflicted) == 0
	}

	wg.Add(2)
	go run(0, []string{"x.txt"}, "ticket-x")
	go run(1, []string{"y.txt"}, "ticket-y")
	wg.Wait()

	assert.True(t, results[0])
	assert.True(t, results[1])
}
