package dcmnet

type faultInjectorAction int

const (
	faultInjectorContinue faultInjectorAction = iota
	faultInjectorDisconnect
)

// FaultInjector drives fuzz-guided fault injection in the state machine. It
// is disabled (nil) outside fuzz tests.
type FaultInjector struct {
	fuzz  []byte
	steps int

	// stateHistory records the transitions taken, for post-mortem prints
	// in fuzz crashes.
	stateHistory []fuzzStateTransition
}

type fuzzStateTransition struct {
	state  string
	event  string
	action string
}

var userFaults, providerFaults *FaultInjector

func nextFuzzByte(f *FaultInjector) byte {
	doassert(len(f.fuzz) > 0)
	v := f.fuzz[f.steps]
	f.steps++
	if f.steps >= len(f.fuzz) {
		f.steps = 0
	}
	return v
}

func NewFaultInjector(fuzz []byte) *FaultInjector {
	return &FaultInjector{fuzz: fuzz}
}

func SetUserFaultInjector(f *FaultInjector) {
	userFaults = f
}

func SetProviderFaultInjector(f *FaultInjector) {
	providerFaults = f
}

func GetUserFaultInjector() *FaultInjector {
	return userFaults
}

func GetProviderFaultInjector() *FaultInjector {
	return providerFaults
}

// onSend is called once per outbound PDU. Returning
// faultInjectorDisconnect makes the state machine close the connection
// instead of writing.
func (f *FaultInjector) onSend(data []byte) faultInjectorAction {
	if len(f.fuzz) == 0 {
		return faultInjectorContinue
	}
	if nextFuzzByte(f) >= 0xe8 {
		return faultInjectorDisconnect
	}
	return faultInjectorContinue
}

// onStateTransition is called before each action runs.
func (f *FaultInjector) onStateTransition(state *stateType, event *stateEvent, action *stateAction) {
	f.stateHistory = append(f.stateHistory, fuzzStateTransition{
		state:  state.Name,
		event:  event.event.Description,
		action: action.Name,
	})
}

// StateHistory returns a printable trace of the transitions taken so far.
func (f *FaultInjector) StateHistory() []string {
	var lines []string
	for _, t := range f.stateHistory {
		lines = append(lines, t.state+" / "+t.event+" -> "+t.action)
	}
	return lines
}
