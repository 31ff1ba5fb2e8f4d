package dcmnet

// Implements the upper-layer state machine, as defined in P3.8 9.2.3.
// http://dicom.nema.org/medical/dicom/current/output/pdf/part08.pdf

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/openradx/dcmnet/dimse"
	"github.com/openradx/dcmnet/pdu"
	"v.io/x/lib/vlog"
)

type stateType struct {
	Name        string
	Description string
}

func (s *stateType) String() string {
	return fmt.Sprintf("%s(%s)", s.Name, s.Description)
}

var smSeq int32 // for assigning unique stateMachine names

var (
	sta01 = &stateType{"Sta01", "Idle"}
	sta02 = &stateType{"Sta02", "Transport connection open (awaiting A-ASSOCIATE-RQ PDU)"}
	sta03 = &stateType{"Sta03", "Awaiting local A-ASSOCIATE response primitive"}
	sta04 = &stateType{"Sta04", "Awaiting transport connection opening to complete"}
	sta05 = &stateType{"Sta05", "Awaiting A-ASSOCIATE-AC or A-ASSOCIATE-RJ PDU"}
	sta06 = &stateType{"Sta06", "Association established and ready for data transfer"}
	sta07 = &stateType{"Sta07", "Awaiting A-RELEASE-RP PDU"}
	sta08 = &stateType{"Sta08", "Awaiting local A-RELEASE response primitive"}
	sta09 = &stateType{"Sta09", "Release collision requestor side; awaiting A-RELEASE response"}
	sta10 = &stateType{"Sta10", "Release collision acceptor side; awaiting A-RELEASE-RP PDU"}
	sta11 = &stateType{"Sta11", "Release collision requestor side; awaiting A-RELEASE-RP PDU"}
	sta12 = &stateType{"Sta12", "Release collision acceptor side; awaiting A-RELEASE response primitive"}
	sta13 = &stateType{"Sta13", "Awaiting transport connection close indication"}
)

type eventType struct {
	Event       int
	Description string
}

var (
	evt01 = eventType{1, "A-ASSOCIATE request (local user)"}
	evt02 = eventType{2, "Connection established (for service user)"}
	evt03 = eventType{3, "A-ASSOCIATE-AC PDU (received on transport connection)"}
	evt04 = eventType{4, "A-ASSOCIATE-RJ PDU (received on transport connection)"}
	evt05 = eventType{5, "Connection accepted (for service provider)"}
	evt06 = eventType{6, "A-ASSOCIATE-RQ PDU (on transport connection)"}
	evt07 = eventType{7, "A-ASSOCIATE response primitive (accept)"}
	evt08 = eventType{8, "A-ASSOCIATE response primitive (reject)"}
	evt09 = eventType{9, "P-DATA request primitive"}
	evt10 = eventType{10, "P-DATA-TF PDU (on transport connection)"}
	evt11 = eventType{11, "A-RELEASE request primitive"}
	evt12 = eventType{12, "A-RELEASE-RQ PDU (on transport)"}
	evt13 = eventType{13, "A-RELEASE-RP PDU (on transport)"}
	evt14 = eventType{14, "A-RELEASE response primitive"}
	evt15 = eventType{15, "A-ABORT request primitive"}
	evt16 = eventType{16, "A-ABORT PDU (on transport)"}
	evt17 = eventType{17, "Transport connection closed indication"}
	evt18 = eventType{18, "ARTIM timer expired (association reject/release timer)"}
	evt19 = eventType{19, "Unrecognized or invalid PDU received"}
)

type stateAction struct {
	Name        string
	Description string
	Callback    func(sm *stateMachine, event stateEvent) *stateType
}

func (s *stateAction) String() string {
	return fmt.Sprintf("%s(%s)", s.Name, s.Description)
}

var actionAe1 = &stateAction{"AE-1",
	"Issue TRANSPORT CONNECT request primitive to local transport service",
	func(sm *stateMachine, event stateEvent) *stateType {
		go func(ch chan stateEvent, serverAddr string, conn net.Conn) {
			if conn == nil {
				var err error
				conn, err = net.DialTimeout("tcp", serverAddr, sm.timeouts.Connect)
				if err != nil {
					vlog.Infof("%s: connect to %s: %v", sm.name, serverAddr, err)
					ch <- stateEvent{event: evt17, err: fmt.Errorf("%w: %v", ErrConnect, err)}
					close(ch)
					return
				}
			}
			ch <- stateEvent{event: evt02, conn: conn}
			networkReaderThread(ch, conn, sm.maxPDUSize, sm.name)
		}(sm.netCh, event.serverAddr, event.conn)
		return sta04
	}}

var actionAe2 = &stateAction{"AE-2", "Send A-ASSOCIATE-RQ PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		items := sm.cm.generateAssociateRequest(sm.userParams)
		sendPDU(sm, &pdu.AAssociate{
			Type:            pdu.TypeAAssociateRq,
			ProtocolVersion: pdu.CurrentProtocolVersion,
			CalledAETitle:   sm.userParams.CalledAETitle,
			CallingAETitle:  sm.userParams.CallingAETitle,
			Items:           items,
		})
		startTimer(sm)
		return sta05
	}}

var actionAe3 = &stateAction{"AE-3", "Issue A-ASSOCIATE confirmation (accept) primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		stopTimer(sm)
		p := event.pdu.(*pdu.AAssociate)
		doassert(p.Type == pdu.TypeAAssociateAc)
		if err := sm.cm.onAssociateResponse(p.Items); err != nil {
			vlog.Errorf("%s: associate response: %v", sm.name, err)
			return actionAa8.Callback(sm, event)
		}
		sm.maxPDUSize = sm.cm.sendPDUSizeLimit()
		sm.cm.setAssociationInfo(AssociationInfo{
			CallingAETitle: strings.TrimSpace(sm.userParams.CallingAETitle),
			CalledAETitle:  strings.TrimSpace(sm.userParams.CalledAETitle),
			RemoteAddr:     remoteAddr(sm.conn),
		})
		sm.upcallCh <- upcallEvent{eventType: upcallEventHandshakeCompleted, cm: sm.cm}
		return sta06
	}}

var actionAe4 = &stateAction{"AE-4", "Issue A-ASSOCIATE confirmation (reject) primitive and close transport connection",
	func(sm *stateMachine, event stateEvent) *stateType {
		if p, ok := event.pdu.(*pdu.AAssociateRj); ok {
			vlog.Infof("%s: association rejected: %v", sm.name, p)
		}
		closeConnection(sm)
		return sta01
	}}

var actionAe5 = &stateAction{"AE-5", "Issue transport connection response primitive; start ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		doassert(event.conn != nil)
		startTimer(sm)
		go func(ch chan stateEvent, conn net.Conn) {
			networkReaderThread(ch, conn, sm.maxPDUSize, sm.name)
		}(sm.netCh, event.conn)
		return sta02
	}}

var actionAe6 = &stateAction{"AE-6",
	"Stop ARTIM timer; accept or reject the A-ASSOCIATE-RQ",
	func(sm *stateMachine, event stateEvent) *stateType {
		stopTimer(sm)
		p := event.pdu.(*pdu.AAssociate)
		if p.ProtocolVersion&0x1 == 0 {
			vlog.Infof("%s: unsupported remote protocol version 0x%x", sm.name, p.ProtocolVersion)
			sendPDU(sm, &pdu.AAssociateRj{
				Result: pdu.ResultRejectedPermanent,
				Source: pdu.SourceULServiceProviderACSE,
				Reason: 2,
			})
			startTimer(sm)
			return sta13
		}
		if rj := sm.rejectAssociation(p); rj != nil {
			sm.downcallCh <- stateEvent{event: evt08, pdu: rj}
			return sta03
		}
		items, err := sm.cm.onAssociateRequest(p.Items)
		if err != nil {
			vlog.Infof("%s: associate request: %v", sm.name, err)
			sm.downcallCh <- stateEvent{
				event: evt08,
				pdu: &pdu.AAssociateRj{
					Result: pdu.ResultRejectedPermanent,
					Source: pdu.SourceULServiceProviderACSE,
					Reason: 1,
				},
			}
			return sta03
		}
		sm.maxPDUSize = sm.cm.sendPDUSizeLimit()
		doassert(p.CalledAETitle != "")
		doassert(p.CallingAETitle != "")
		sm.cm.setAssociationInfo(AssociationInfo{
			CallingAETitle: strings.TrimSpace(p.CallingAETitle),
			CalledAETitle:  strings.TrimSpace(p.CalledAETitle),
			RemoteAddr:     remoteAddr(sm.conn),
		})
		sm.downcallCh <- stateEvent{
			event: evt07,
			pdu: &pdu.AAssociate{
				Type:            pdu.TypeAAssociateAc,
				ProtocolVersion: pdu.CurrentProtocolVersion,
				CalledAETitle:   p.CalledAETitle,
				CallingAETitle:  p.CallingAETitle,
				Items:           items,
			},
		}
		return sta03
	}}

var actionAe7 = &stateAction{"AE-7", "Send A-ASSOCIATE-AC PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sendPDU(sm, event.pdu.(*pdu.AAssociate))
		sm.upcallCh <- upcallEvent{eventType: upcallEventHandshakeCompleted, cm: sm.cm}
		return sta06
	}}

var actionAe8 = &stateAction{"AE-8", "Send A-ASSOCIATE-RJ PDU and start ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		sendPDU(sm, event.pdu.(*pdu.AAssociateRj))
		startTimer(sm)
		return sta13
	}}

// Produce a list of P-DATA-TF PDUs that collectively carry "data" for the
// named abstract syntax. Fragment sizes honor the negotiated maximum PDU
// size.
func splitDataIntoPDUs(sm *stateMachine, abstractSyntaxUID, transferSyntaxUID string, command bool, data []byte) ([]pdu.PDataTf, error) {
	doassert(sm.maxPDUSize > 0)
	doassert(len(data) > 0)
	context, err := sm.cm.resolveContext(abstractSyntaxUID, transferSyntaxUID)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot send data for %s: %w", sm.name, dicomuid.UIDString(abstractSyntaxUID), err)
	}
	var pdus []pdu.PDataTf
	// Each PDV costs six bytes of header.
	maxChunkSize := sm.maxPDUSize - 6
	for len(data) > 0 {
		chunkSize := len(data)
		if chunkSize > maxChunkSize {
			chunkSize = maxChunkSize
		}
		chunk := data[0:chunkSize]
		data = data[chunkSize:]
		pdus = append(pdus, pdu.PDataTf{Items: []pdu.PresentationDataValueItem{
			{
				ContextID: context.contextID,
				Command:   command,
				Last:      false, // set on the final chunk below
				Value:     chunk,
			}}})
	}
	if len(pdus) > 0 {
		pdus[len(pdus)-1].Items[0].Last = true
	}
	return pdus, nil
}

// sendDIMSEPayload serializes an evt09 payload: command fragments first, then
// data fragments if any.
func sendDIMSEPayload(sm *stateMachine, event stateEvent) error {
	doassert(event.dimsePayload != nil)
	payload := event.dimsePayload
	commandBytes, err := encodeDIMSECommand(payload.command)
	if err != nil {
		return err
	}
	pdus, err := splitDataIntoPDUs(sm, payload.abstractSyntaxName, payload.transferSyntaxUID, true, commandBytes)
	if err != nil {
		return err
	}
	if len(payload.data) > 0 {
		dataPDUs, err := splitDataIntoPDUs(sm, payload.abstractSyntaxName, payload.transferSyntaxUID, false, payload.data)
		if err != nil {
			return err
		}
		pdus = append(pdus, dataPDUs...)
	}
	for i := range pdus {
		sendPDU(sm, &pdus[i])
	}
	return nil
}

// Data transfer related actions.
var actionDt1 = &stateAction{"DT-1", "Send P-DATA-TF PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		if err := sendDIMSEPayload(sm, event); err != nil {
			vlog.Errorf("%s: %v", sm.name, err)
			return actionAa8.Callback(sm, event)
		}
		return sta06
	}}

var actionDt2 = &stateAction{"DT-2", "Send P-DATA indication primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		if !deliverPData(sm, event) {
			return actionAa8.Callback(sm, event)
		}
		return sta06
	}}

// deliverPData feeds one P-DATA-TF into the command assembler and, once a
// whole DIMSE message has arrived, upcalls it. Returns false on a framing
// error.
func deliverPData(sm *stateMachine, event stateEvent) bool {
	contextID, command, data, err := sm.commandAssembler.AddDataPDU(event.pdu.(*pdu.PDataTf))
	if err != nil {
		vlog.Infof("%s: assemble DIMSE message: %v", sm.name, err)
		return false
	}
	if command != nil {
		sm.upcallCh <- upcallEvent{
			eventType: upcallEventData,
			cm:        sm.cm,
			contextID: contextID,
			command:   command,
			data:      data,
		}
	}
	// else: more fragments pending.
	return true
}

// Association release related actions.
var actionAr1 = &stateAction{"AR-1", "Send A-RELEASE-RQ PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sendPDU(sm, &pdu.AReleaseRq{})
		startTimerWith(sm, sm.timeouts.Release)
		return sta07
	}}

var actionAr2 = &stateAction{"AR-2", "Issue A-RELEASE indication primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.downcallCh <- stateEvent{event: evt14}
		return sta08
	}}

var actionAr3 = &stateAction{"AR-3", "Issue A-RELEASE confirmation primitive and close transport connection",
	func(sm *stateMachine, event stateEvent) *stateType {
		stopTimer(sm)
		sendPDU(sm, &pdu.AReleaseRp{})
		closeConnection(sm)
		return sta01
	}}

var actionAr4 = &stateAction{"AR-4", "Issue A-RELEASE-RP PDU and start ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		sendPDU(sm, &pdu.AReleaseRp{})
		startTimer(sm)
		return sta13
	}}

var actionAr5 = &stateAction{"AR-5", "Stop ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		stopTimer(sm)
		return sta01
	}}

var actionAr6 = &stateAction{"AR-6", "Issue P-DATA indication",
	func(sm *stateMachine, event stateEvent) *stateType {
		if !deliverPData(sm, event) {
			return actionAa8.Callback(sm, event)
		}
		return sta07
	}}

var actionAr7 = &stateAction{"AR-7", "Issue P-DATA-TF PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		if err := sendDIMSEPayload(sm, event); err != nil {
			vlog.Errorf("%s: %v", sm.name, err)
			return actionAa8.Callback(sm, event)
		}
		sm.downcallCh <- stateEvent{event: evt14}
		return sta08
	}}

var actionAr8 = &stateAction{"AR-8", "Issue A-RELEASE indication (release collision)",
	func(sm *stateMachine, event stateEvent) *stateType {
		if sm.isUser {
			return sta09
		}
		return sta10
	}}

var actionAr9 = &stateAction{"AR-9", "Send A-RELEASE-RP PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sendPDU(sm, &pdu.AReleaseRp{})
		return sta11
	}}

var actionAr10 = &stateAction{"AR-10", "Issue A-RELEASE confirmation primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		return sta12
	}}

// Association abort related actions.
var actionAa1 = &stateAction{"AA-1", "Send A-ABORT PDU (service-user source) and restart ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		diagnostic := byte(pdu.AbortReasonNotSpecified)
		if sm.currentState == sta02 {
			diagnostic = pdu.AbortReasonUnexpectedPDU
		}
		sendPDU(sm, &pdu.AAbort{Source: pdu.AbortSourceServiceUser, Reason: diagnostic})
		restartTimer(sm)
		return sta13
	}}

var actionAa2 = &stateAction{"AA-2", "Stop ARTIM timer if running; close transport connection",
	func(sm *stateMachine, event stateEvent) *stateType {
		stopTimer(sm)
		closeConnection(sm)
		return sta01
	}}

var actionAa3 = &stateAction{"AA-3", "Issue A-ABORT or A-P-ABORT indication and close transport connection",
	func(sm *stateMachine, event stateEvent) *stateType {
		closeConnection(sm)
		return sta01
	}}

var actionAa4 = &stateAction{"AA-4", "Issue A-P-ABORT indication primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		return sta01
	}}

var actionAa5 = &stateAction{"AA-5", "Stop ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		stopTimer(sm)
		return sta01
	}}

var actionAa6 = &stateAction{"AA-6", "Ignore PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		return sta13
	}}

var actionAa7 = &stateAction{"AA-7", "Send A-ABORT PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sendPDU(sm, &pdu.AAbort{Source: pdu.AbortSourceServiceUser, Reason: pdu.AbortReasonNotSpecified})
		return sta13
	}}

var actionAa8 = &stateAction{"AA-8", "Send A-ABORT PDU (service-provider source), issue an A-P-ABORT indication and start ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		sendPDU(sm, &pdu.AAbort{Source: pdu.AbortSourceServiceProvider, Reason: pdu.AbortReasonNotSpecified})
		startTimer(sm)
		return sta13
	}}

var (
	upcallEventHandshakeCompleted = eventType{100, "Handshake completed"}
	upcallEventData               = eventType{101, "P-DATA-TF PDU received"}
	// Connection shutdown and errors close the channel instead of using an
	// event type.
)

// upcallEvent is an indication from the state machine to the service layer.
type upcallEvent struct {
	eventType eventType // upcallEvent*

	// cm is the association's context manager. Set for all events.
	cm *contextManager

	// contextID names the presentation context that carried the message.
	// Set iff eventType==upcallEventData.
	contextID byte

	command dimse.Message
	data    []byte
}

// stateEventDIMSEPayload is the downcall payload for evt09.
type stateEventDIMSEPayload struct {
	// The abstract syntax (SOP class UID) naming the presentation context
	// to carry the message.
	abstractSyntaxName string

	// transferSyntaxUID selects among several accepted contexts for the
	// same abstract syntax. Empty picks the first accepted one.
	transferSyntaxUID string

	command dimse.Message

	// data is the serialized dataset, already encoded in the context's
	// transfer syntax. May be empty.
	data []byte
}

type stateEventDebugInfo struct {
	state *stateType // the state the machine was in when the timer started
}

type stateEvent struct {
	event eventType
	pdu   pdu.PDU
	err   error
	conn  net.Conn

	serverAddr   string                  // host:port to connect to; set only for evt01
	dimsePayload *stateEventDIMSEPayload // set iff event==evt09
	debug        *stateEventDebugInfo
}

func (e *stateEvent) String() string {
	debug := ""
	if e.debug != nil {
		debug = e.debug.state.String()
	}
	return fmt.Sprintf("type:%d(%s) err:%v debug:%v pdu:%v", e.event.Event, e.event.Description, e.err, debug, e.pdu)
}

type stateTransition struct {
	current *stateType
	event   eventType
	action  *stateAction
}

var stateTransitions = []stateTransition{
	{sta01, evt01, actionAe1},
	{sta01, evt05, actionAe5},
	{sta02, evt03, actionAa1},
	{sta02, evt04, actionAa1},
	{sta02, evt06, actionAe6},
	{sta02, evt10, actionAa1},
	{sta02, evt12, actionAa1},
	{sta02, evt13, actionAa1},
	{sta02, evt16, actionAa2},
	{sta02, evt17, actionAa5},
	{sta02, evt18, actionAa2},
	{sta02, evt19, actionAa1},
	{sta03, evt03, actionAa8},
	{sta03, evt04, actionAa8},
	{sta03, evt06, actionAa8},
	{sta03, evt07, actionAe7},
	{sta03, evt08, actionAe8},
	{sta03, evt10, actionAa8},
	{sta03, evt12, actionAa8},
	{sta03, evt13, actionAa8},
	{sta03, evt15, actionAa1},
	{sta03, evt16, actionAa3},
	{sta03, evt17, actionAa4},
	{sta03, evt19, actionAa8},
	{sta04, evt02, actionAe2},
	{sta04, evt15, actionAa2},
	{sta04, evt17, actionAa4},
	{sta05, evt03, actionAe3},
	{sta05, evt04, actionAe4},
	{sta05, evt06, actionAa8},
	{sta05, evt10, actionAa8},
	{sta05, evt12, actionAa8},
	{sta05, evt13, actionAa8},
	{sta05, evt15, actionAa1},
	{sta05, evt16, actionAa3},
	{sta05, evt17, actionAa4},
	{sta05, evt18, actionAa8},
	{sta05, evt19, actionAa8},

	{sta06, evt03, actionAa8},
	{sta06, evt04, actionAa8},
	{sta06, evt06, actionAa8},
	{sta06, evt09, actionDt1},
	{sta06, evt10, actionDt2},
	{sta06, evt11, actionAr1},
	{sta06, evt12, actionAr2},
	{sta06, evt13, actionAa8},
	{sta06, evt15, actionAa1},
	{sta06, evt16, actionAa3},
	{sta06, evt17, actionAa4},
	{sta06, evt19, actionAa8},
	{sta07, evt03, actionAa8},
	{sta07, evt04, actionAa8},
	{sta07, evt06, actionAa8},
	{sta07, evt10, actionAr6},
	{sta07, evt12, actionAr8},
	{sta07, evt13, actionAr3},
	{sta07, evt15, actionAa1},
	{sta07, evt16, actionAa3},
	{sta07, evt17, actionAa4},
	{sta07, evt18, actionAa8},
	{sta07, evt19, actionAa8},
	{sta08, evt03, actionAa8},
	{sta08, evt04, actionAa8},
	{sta08, evt06, actionAa8},
	{sta08, evt09, actionAr7},
	{sta08, evt10, actionAa8},
	{sta08, evt12, actionAa8},
	{sta08, evt13, actionAa8},
	{sta08, evt14, actionAr4},
	{sta08, evt15, actionAa1},
	{sta08, evt16, actionAa3},
	{sta08, evt17, actionAa4},
	{sta08, evt19, actionAa8},
	{sta09, evt03, actionAa8},
	{sta09, evt04, actionAa8},
	{sta09, evt06, actionAa8},
	{sta09, evt10, actionAa8},
	{sta09, evt12, actionAa8},
	{sta09, evt13, actionAa8},
	{sta09, evt14, actionAr9},
	{sta09, evt15, actionAa1},
	{sta09, evt16, actionAa3},
	{sta09, evt17, actionAa4},
	{sta09, evt19, actionAa8},
	{sta10, evt03, actionAa8},
	{sta10, evt04, actionAa8},
	{sta10, evt06, actionAa8},
	{sta10, evt10, actionAa8},
	{sta10, evt12, actionAa8},
	{sta10, evt13, actionAr10},
	{sta10, evt15, actionAa1},
	{sta10, evt16, actionAa3},
	{sta10, evt17, actionAa4},
	{sta10, evt19, actionAa8},
	{sta11, evt03, actionAa8},
	{sta11, evt04, actionAa8},
	{sta11, evt06, actionAa8},
	{sta11, evt10, actionAa8},
	{sta11, evt12, actionAa8},
	{sta11, evt13, actionAr3},
	{sta11, evt15, actionAa1},
	{sta11, evt16, actionAa3},
	{sta11, evt17, actionAa4},
	{sta11, evt19, actionAa8},
	{sta12, evt03, actionAa8},
	{sta12, evt04, actionAa8},
	{sta12, evt06, actionAa8},
	{sta12, evt10, actionAa8},
	{sta12, evt12, actionAa8},
	{sta12, evt13, actionAa8},
	{sta12, evt14, actionAr4},
	{sta12, evt15, actionAa1},
	{sta12, evt16, actionAa3},
	{sta12, evt17, actionAa4},
	{sta12, evt19, actionAa8},

	{sta13, evt03, actionAa6},
	{sta13, evt04, actionAa6},
	{sta13, evt06, actionAa7},
	{sta13, evt07, actionAa7},
	{sta13, evt08, actionAa7},
	{sta13, evt09, actionAa7},
	{sta13, evt10, actionAa6},
	{sta13, evt11, actionAa6},
	{sta13, evt12, actionAa6},
	{sta13, evt13, actionAa6},
	{sta13, evt14, actionAa6},
	{sta13, evt15, actionAa2},
	{sta13, evt16, actionAa2},
	{sta13, evt17, actionAr5},
	{sta13, evt18, actionAa2},
	{sta13, evt19, actionAa7},
}

// AssociationTimeouts configures the timers of one association. Zero fields
// take DefaultTimeouts values.
type AssociationTimeouts struct {
	// Connect bounds the TCP dial.
	Connect time.Duration
	// Accept is the ARTIM timer: how long to wait for association
	// handshake and teardown PDUs.
	Accept time.Duration
	// Release bounds the wait for A-RELEASE-RP.
	Release time.Duration
}

// DefaultTimeouts are applied where AssociationTimeouts fields are zero.
var DefaultTimeouts = AssociationTimeouts{
	Connect: 15 * time.Second,
	Accept:  10 * time.Second,
	Release: 10 * time.Second,
}

func (t AssociationTimeouts) withDefaults() AssociationTimeouts {
	if t.Connect <= 0 {
		t.Connect = DefaultTimeouts.Connect
	}
	if t.Accept <= 0 {
		t.Accept = DefaultTimeouts.Accept
	}
	if t.Release <= 0 {
		t.Release = DefaultTimeouts.Release
	}
	return t
}

// DefaultMaxPDUSize is the maximum PDU size advertised when the caller does
// not pick one.
const DefaultMaxPDUSize = 4 << 20

type stateMachine struct {
	name           string // for logging only
	isUser         bool   // true if service user, false if provider
	userParams     ServiceUserParams
	providerParams ServiceProviderParams
	timeouts       AssociationTimeouts

	// cm tracks the contextID <-> (abstract syntax, transfer syntax)
	// mappings negotiated for this association.
	cm *contextManager

	// netCh receives PDUs and network status events. Owned by
	// networkReaderThread.
	netCh chan stateEvent

	// errorCh reports send failures back into the event loop. Owned by the
	// state machine.
	errorCh chan stateEvent

	// downcallCh receives commands from the service layer. Owned by the
	// service layer.
	downcallCh chan stateEvent

	// upcallCh sends indications to the service layer. Owned by the state
	// machine.
	upcallCh chan upcallEvent

	timerCh      chan stateEvent
	conn         net.Conn
	currentState *stateType

	// The effective limit on outbound PDU size.
	maxPDUSize int

	commandAssembler dimse.CommandAssembler
	faults           *FaultInjector
}

// rejectAssociation applies the provider's association-level checks. Returns
// nil when the request is acceptable.
func (sm *stateMachine) rejectAssociation(p *pdu.AAssociate) *pdu.AAssociateRj {
	params := sm.providerParams
	if params.AETitle != "" && !aeTitlesEqual(p.CalledAETitle, params.AETitle) {
		vlog.Infof("%s: called AE title %q does not match %q", sm.name, p.CalledAETitle, params.AETitle)
		return &pdu.AAssociateRj{
			Result: pdu.ResultRejectedPermanent,
			Source: pdu.SourceULServiceUser,
			Reason: pdu.ReasonCalledAETitleNotRecognized,
		}
	}
	if len(params.AllowedCallingAETitles) > 0 {
		allowed := false
		for _, aet := range params.AllowedCallingAETitles {
			if aeTitlesEqual(p.CallingAETitle, aet) {
				allowed = true
				break
			}
		}
		if !allowed {
			vlog.Infof("%s: calling AE title %q not in the allow list", sm.name, p.CallingAETitle)
			return &pdu.AAssociateRj{
				Result: pdu.ResultRejectedPermanent,
				Source: pdu.SourceULServiceUser,
				Reason: pdu.ReasonCallingAETitleNotRecognized,
			}
		}
	}
	return nil
}

func remoteAddr(conn net.Conn) net.Addr {
	if conn == nil {
		return nil
	}
	return conn.RemoteAddr()
}

func closeConnection(sm *stateMachine) {
	close(sm.upcallCh)
	vlog.VI(1).Infof("%s: closing connection %v", sm.name, sm.conn)
	if sm.conn != nil {
		sm.conn.Close()
	}
}

func sendPDU(sm *stateMachine, p pdu.PDU) {
	doassert(sm.conn != nil)
	data, err := pdu.EncodePDU(p)
	if err != nil {
		vlog.Errorf("%s: encode PDU: %v; closing connection %v", sm.name, err, sm.conn)
		sm.conn.Close()
		sm.errorCh <- stateEvent{event: evt17, err: err}
		return
	}
	if sm.faults != nil {
		if action := sm.faults.onSend(data); action == faultInjectorDisconnect {
			vlog.Infof("%s: fault injector closing connection", sm.name)
			sm.conn.Close()
		}
	}
	n, err := sm.conn.Write(data)
	if n != len(data) || err != nil {
		vlog.Infof("%s: wrote %d of %d bytes: %v; closing connection %v", sm.name, n, len(data), err, sm.conn)
		sm.conn.Close()
		sm.errorCh <- stateEvent{event: evt17, err: err}
		return
	}
}

func startTimer(sm *stateMachine) {
	startTimerWith(sm, sm.timeouts.Accept)
}

func startTimerWith(sm *stateMachine, d time.Duration) {
	ch := make(chan stateEvent, 1)
	sm.timerCh = ch
	currentState := sm.currentState
	time.AfterFunc(d, func() {
		ch <- stateEvent{event: evt18, err: ErrTimeout, debug: &stateEventDebugInfo{currentState}}
		close(ch)
	})
}

func restartTimer(sm *stateMachine) {
	startTimer(sm)
}

// stopTimer abandons the running timer. A stale expiry lands on the orphaned
// channel and is never read.
func stopTimer(sm *stateMachine) {
	sm.timerCh = make(chan stateEvent, 1)
}

func networkReaderThread(ch chan stateEvent, conn net.Conn, maxPDUSize int, smName string) {
	vlog.VI(1).Infof("%s: starting network reader for %v, maxPDU %d", smName, conn, maxPDUSize)
	for {
		p, err := pdu.ReadPDU(conn, maxPDUSize)
		if err != nil {
			if err == io.EOF {
				ch <- stateEvent{event: evt17}
			} else {
				vlog.Infof("%s: read PDU: %v", smName, err)
				ch <- stateEvent{event: evt19, err: fmt.Errorf("%w: %v", ErrProtocol, err)}
			}
			close(ch)
			break
		}
		doassert(p != nil)
		switch n := p.(type) {
		case *pdu.AAssociate:
			if n.Type == pdu.TypeAAssociateRq {
				ch <- stateEvent{event: evt06, pdu: n}
			} else {
				doassert(n.Type == pdu.TypeAAssociateAc)
				ch <- stateEvent{event: evt03, pdu: n}
			}
		case *pdu.AAssociateRj:
			ch <- stateEvent{event: evt04, pdu: n}
		case *pdu.PDataTf:
			ch <- stateEvent{event: evt10, pdu: n}
		case *pdu.AReleaseRq:
			ch <- stateEvent{event: evt12, pdu: n}
		case *pdu.AReleaseRp:
			ch <- stateEvent{event: evt13, pdu: n}
		case *pdu.AAbort:
			ch <- stateEvent{event: evt16, pdu: n}
		default:
			err := fmt.Errorf("%w: unexpected PDU %v", ErrProtocol, p)
			vlog.Error(err)
			ch <- stateEvent{event: evt19, pdu: p, err: err}
		}
	}
	vlog.VI(1).Infof("%s: exiting network reader for %v", smName, conn)
}

func getNextEvent(sm *stateMachine) stateEvent {
	var ok bool
	var event stateEvent
	for event.event.Event == 0 {
		select {
		case event, ok = <-sm.netCh:
			if !ok {
				sm.netCh = nil
			}
		case event = <-sm.errorCh:
			// this channel never closes.
		case event, ok = <-sm.timerCh:
			if !ok {
				sm.timerCh = nil
			}
		case event, ok = <-sm.downcallCh:
			if !ok {
				sm.downcallCh = nil
			}
		}
	}
	switch event.event {
	case evt02:
		doassert(event.conn != nil)
		sm.conn = event.conn
	case evt17:
		close(sm.upcallCh)
		sm.conn = nil
	}
	return event
}

func findAction(currentState *stateType, event *stateEvent) *stateAction {
	for _, t := range stateTransitions {
		if t.current == currentState && t.event == event.event {
			return t.action
		}
	}
	return nil
}

func runOneStep(sm *stateMachine) {
	event := getNextEvent(sm)
	vlog.VI(2).Infof("%s: state %v, event %v", sm.name, sm.currentState, event)
	action := findAction(sm.currentState, &event)
	if action == nil {
		// P3.8 leaves blank table cells undefined. Treat them as a
		// local protocol failure and tear the association down.
		vlog.Errorf("%s: no action for state %v, event %v", sm.name, sm.currentState, event.String())
		if sm.conn == nil {
			sm.currentState = sta01
			return
		}
		action = actionAa8
	}
	if sm.faults != nil {
		sm.faults.onStateTransition(sm.currentState, &event, action)
	}
	vlog.VI(2).Infof("%s: running action %v", sm.name, action)
	sm.currentState = action.Callback(sm, event)
	vlog.VI(2).Infof("%s: next state: %v", sm.name, sm.currentState)
}

func newUserStateMachine(params ServiceUserParams, upcallCh chan upcallEvent, downcallCh chan stateEvent) *stateMachine {
	sm := &stateMachine{
		name:         fmt.Sprintf("sm(u)-%d", atomic.AddInt32(&smSeq, 1)),
		isUser:       true,
		cm:           newContextManager(),
		userParams:   params,
		timeouts:     params.Timeouts.withDefaults(),
		maxPDUSize:   params.MaxPDUSize,
		netCh:        make(chan stateEvent, 128),
		errorCh:      make(chan stateEvent, 128),
		timerCh:      make(chan stateEvent, 1),
		downcallCh:   downcallCh,
		upcallCh:     upcallCh,
		currentState: sta01,
		faults:       GetUserFaultInjector(),
	}
	if sm.maxPDUSize <= 0 {
		sm.maxPDUSize = DefaultMaxPDUSize
	}
	sm.cm.localMaxPDUSize = sm.maxPDUSize
	return sm
}

// runStateMachineForServiceUser runs the requester side of an association.
// The first downcall must be evt01 (connect request). Returns when the
// association winds down to idle.
func runStateMachineForServiceUser(
	params ServiceUserParams,
	upcallCh chan upcallEvent,
	downcallCh chan stateEvent) {
	doassert(params.CallingAETitle != "")
	doassert(len(params.RequiredServices) > 0)
	doassert(len(params.SupportedTransferSyntaxes) > 0)
	sm := newUserStateMachine(params, upcallCh, downcallCh)
	event, ok := <-downcallCh
	if !ok {
		return
	}
	doassert(event.event == evt01)
	action := findAction(sta01, &event)
	sm.currentState = action.Callback(sm, event)
	for sm.currentState != sta01 {
		runOneStep(sm)
	}
	vlog.VI(1).Infof("%s: connection shutdown", sm.name)
}

// runStateMachineForServiceProvider runs the acceptor side of an association
// on an already-accepted connection.
func runStateMachineForServiceProvider(
	conn net.Conn,
	params ServiceProviderParams,
	upcallCh chan upcallEvent,
	downcallCh chan stateEvent) {
	sm := &stateMachine{
		name:           fmt.Sprintf("sm(p)-%d", atomic.AddInt32(&smSeq, 1)),
		isUser:         false,
		providerParams: params,
		timeouts:       params.Timeouts.withDefaults(),
		maxPDUSize:     params.MaxPDUSize,
		cm:             newContextManager(),
		conn:           conn,
		netCh:          make(chan stateEvent, 128),
		errorCh:        make(chan stateEvent, 128),
		timerCh:        make(chan stateEvent, 1),
		downcallCh:     downcallCh,
		upcallCh:       upcallCh,
		currentState:   sta01,
		faults:         GetProviderFaultInjector(),
	}
	if sm.maxPDUSize <= 0 {
		sm.maxPDUSize = DefaultMaxPDUSize
	}
	sm.cm.localMaxPDUSize = sm.maxPDUSize
	event := stateEvent{event: evt05, conn: conn}
	action := findAction(sta01, &event)
	sm.currentState = action.Callback(sm, event)
	for sm.currentState != sta01 {
		runOneStep(sm)
	}
	vlog.VI(1).Infof("%s: connection shutdown", sm.name)
}
