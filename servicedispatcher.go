package dcmnet

import (
	"fmt"
	"sync"

	"github.com/openradx/dcmnet/dimse"
	"v.io/x/lib/vlog"
)

// serviceCommandState is the state of one in-flight DIMSE command, on either
// side of an association.
type serviceCommandState struct {
	disp      *serviceDispatcher  // Parent.
	messageID uint16              // The command's message ID.
	context   contextManagerEntry // Transfersyntax/sopclass for this command.
	cm        *contextManager     // For looking up context -> transfersyntax/sopclass mappings.

	// upcallCh streams further command+data messages for this messageID,
	// e.g. pending C-FIND responses or the C-STOREs within a C-GET.
	upcallCh chan upcallEvent
}

// sendMessage sends one DIMSE message on the same presentation context that
// carries this command.
func (cs *serviceCommandState) sendMessage(resp dimse.Message, data []byte) {
	vlog.VI(1).Infof("Sending DIMSE message: %v %v", resp, cs.disp.label)
	cs.disp.downcallCh <- stateEvent{
		event: evt09,
		dimsePayload: &stateEventDIMSEPayload{
			abstractSyntaxName: cs.context.abstractSyntaxUID,
			transferSyntaxUID:  cs.context.transferSyntaxUID,
			command:            resp,
			data:               data,
		},
	}
}

type serviceCallback func(
	msg dimse.Message, data []byte,
	cs *serviceCommandState)

// serviceDispatcher multiplexes inbound DIMSE messages onto per-messageID
// command goroutines.
type serviceDispatcher struct {
	label      string          // for logging only
	downcallCh chan stateEvent // for sending PDUs to the state machine

	mu             sync.Mutex
	activeCommands map[uint16]*serviceCommandState        // guarded by mu
	callbacks      map[dimse.CommandField]serviceCallback // guarded by mu
	closed         bool                                   // guarded by mu

	// drainWaiters are closed when activeCommands empties or the
	// dispatcher closes. Guarded by mu.
	drainWaiters []chan struct{}
}

// allocateCommand reserves a fresh message ID for an outbound command,
// skipping IDs still in flight so a wrapped allocator never collides with an
// active command on a long-lived association.
func (disp *serviceDispatcher) allocateCommand(
	cm *contextManager,
	context contextManagerEntry) *serviceCommandState {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	for {
		messageID := dimse.NewMessageID()
		if _, ok := disp.activeCommands[messageID]; ok {
			continue
		}
		return disp.createCommandLocked(messageID, cm, context)
	}
}

func (disp *serviceDispatcher) findOrCreateCommand(
	messageID uint16,
	cm *contextManager,
	context contextManagerEntry) (*serviceCommandState, bool) {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if cs, ok := disp.activeCommands[messageID]; ok {
		return cs, true
	}
	return disp.createCommandLocked(messageID, cm, context), false
}

func (disp *serviceDispatcher) createCommandLocked(
	messageID uint16,
	cm *contextManager,
	context contextManagerEntry) *serviceCommandState {
	cs := &serviceCommandState{
		disp:      disp,
		messageID: messageID,
		cm:        cm,
		context:   context,
		upcallCh:  make(chan upcallEvent, 128),
	}
	disp.activeCommands[messageID] = cs
	vlog.VI(1).Infof("%s: start command %v", disp.label, messageID)
	return cs
}

// findCommand returns the active command for messageID, or nil.
func (disp *serviceDispatcher) findCommand(messageID uint16) *serviceCommandState {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	return disp.activeCommands[messageID]
}

func (disp *serviceDispatcher) deleteCommand(cs *serviceCommandState) {
	disp.mu.Lock()
	vlog.VI(1).Infof("%s: finish command %v", disp.label, cs.messageID)
	if _, ok := disp.activeCommands[cs.messageID]; !ok {
		panic(fmt.Sprintf("cs %+v", cs))
	}
	delete(disp.activeCommands, cs.messageID)
	if len(disp.activeCommands) == 0 {
		disp.wakeDrainWaitersLocked()
	}
	disp.mu.Unlock()
}

func (disp *serviceDispatcher) wakeDrainWaitersLocked() {
	for _, ch := range disp.drainWaiters {
		close(ch)
	}
	disp.drainWaiters = nil
}

// waitForOutstanding blocks until no commands are in flight. When progress
// is non-nil and gets cancelled, it returns ErrCancelled without waiting
// further.
func (disp *serviceDispatcher) waitForOutstanding(progress *DicomProgress) error {
	disp.mu.Lock()
	if len(disp.activeCommands) == 0 || disp.closed {
		disp.mu.Unlock()
		return nil
	}
	drained := make(chan struct{})
	disp.drainWaiters = append(disp.drainWaiters, drained)
	disp.mu.Unlock()
	if progress == nil {
		<-drained
		return nil
	}
	select {
	case <-drained:
		return nil
	case <-progress.Done():
		return ErrCancelled
	}
}

func (disp *serviceDispatcher) registerCallback(commandField dimse.CommandField, cb serviceCallback) {
	disp.mu.Lock()
	disp.callbacks[commandField] = cb
	disp.mu.Unlock()
}

func (disp *serviceDispatcher) unregisterCallback(commandField dimse.CommandField) {
	disp.mu.Lock()
	delete(disp.callbacks, commandField)
	disp.mu.Unlock()
}

func (disp *serviceDispatcher) handleEvent(event upcallEvent) {
	if event.eventType == upcallEventHandshakeCompleted {
		return
	}
	doassert(event.eventType == upcallEventData)
	doassert(event.command != nil)
	context, err := event.cm.lookupByContextID(event.contextID)
	if err != nil {
		vlog.Infof("%s: invalid context ID %d: %v", disp.label, event.contextID, err)
		disp.downcallCh <- stateEvent{event: evt19, err: err}
		return
	}
	messageID := event.command.GetMessageID()
	disp.mu.Lock()
	if disp.closed {
		disp.mu.Unlock()
		vlog.VI(1).Infof("%s: dropping message %v after close", disp.label, event.command)
		return
	}
	cb := disp.callbacks[event.command.CommandField()]
	disp.mu.Unlock()
	dc, found := disp.findOrCreateCommand(messageID, event.cm, context)
	if found {
		vlog.VI(1).Infof("%s: forwarding to existing command %d: %v", disp.label, messageID, event.command)
		dc.upcallCh <- event
		return
	}
	if cb == nil {
		vlog.Infof("%s: no handler for %v; dropping", disp.label, event.command)
		disp.deleteCommand(dc)
		return
	}
	go func() {
		cb(event.command, event.data, dc)
		disp.deleteCommand(dc)
	}()
}

// close shuts down the per-command channels and stops accepting new
// commands.
func (disp *serviceDispatcher) close() {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if disp.closed {
		return
	}
	disp.closed = true
	for _, cs := range disp.activeCommands {
		close(cs.upcallCh)
	}
	disp.wakeDrainWaitersLocked()
}

func newServiceDispatcher(label string) *serviceDispatcher {
	return &serviceDispatcher{
		label:          label,
		downcallCh:     make(chan stateEvent, 128),
		activeCommands: make(map[uint16]*serviceCommandState),
		callbacks:      make(map[dimse.CommandField]serviceCallback),
	}
}
