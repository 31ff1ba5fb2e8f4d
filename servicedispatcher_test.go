package dcmnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openradx/dcmnet/dimse"
)

func TestAllocateCommandSkipsInFlightIDs(t *testing.T) {
	disp := newServiceDispatcher("test")
	defer disp.close()

	// Occupy the ID the allocator would hand out next, as a wrapped
	// allocator does on a long-lived association.
	taken := dimse.NewMessageID() + 1
	cs, found := disp.findOrCreateCommand(taken, nil, contextManagerEntry{})
	require.False(t, found)

	got := disp.allocateCommand(nil, contextManagerEntry{})
	assert.NotEqual(t, cs.messageID, got.messageID)
	assert.Equal(t, taken+1, got.messageID)

	disp.deleteCommand(got)
	disp.deleteCommand(cs)
}

func TestWaitForOutstandingDrains(t *testing.T) {
	disp := newServiceDispatcher("test")
	defer disp.close()
	cs := disp.allocateCommand(nil, contextManagerEntry{})

	done := make(chan error, 1)
	go func() { done <- disp.waitForOutstanding(nil) }()
	select {
	case <-done:
		t.Fatal("returned while a command was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	disp.deleteCommand(cs)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("did not wake after the last command finished")
	}
}

func TestWaitForOutstandingCancelled(t *testing.T) {
	disp := newServiceDispatcher("test")
	defer disp.close()
	cs := disp.allocateCommand(nil, contextManagerEntry{})
	defer disp.deleteCommand(cs)

	progress := &DicomProgress{}
	done := make(chan error, 1)
	go func() { done <- disp.waitForOutstanding(progress) }()
	progress.Cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("did not wake on cancellation")
	}
}
