// This file defines ServiceProvider (i.e., a DICOM server).

package dcmnet

import (
	"fmt"
	"net"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/openradx/dcmnet/dimse"
	"github.com/openradx/dcmnet/sopclass"
	"v.io/x/lib/vlog"
)

// ServiceProviderParams defines the config of a ServiceProvider.
type ServiceProviderParams struct {
	// The application-entity title of the server. Must be nonempty. An
	// A-ASSOCIATE-RQ naming a different called AE title is rejected.
	AETitle string

	// AllowedCallingAETitles, when nonempty, restricts which calling AE
	// titles may associate. Empty accepts everyone.
	AllowedCallingAETitles []string

	// Names of remote AEs and their host:ports. Used only by C-MOVE. This
	// map should be nonempty iff the server supports C-MOVE.
	RemoteAEs map[string]string

	// Called on C-ECHO request. If nil, the server responds with Success;
	// set a callback to gate verification on application state.
	CEcho CEchoCallback

	// Called on C-FIND request. If nil, a C-FIND call produces an error
	// response.
	CFind CFindCallback

	// CMove is called on C-MOVE request.
	CMove CMoveCallback

	// CGet is called on C-GET request. The only difference between C-MOVE
	// and C-GET is that C-GET uses the same connection to send images
	// back to the requester. Generally you should set the same function
	// to CMove and CGet.
	CGet CMoveCallback

	// If nil, a C-STORE call produces an error response.
	CStore CStoreCallback

	// MaxPDUSize is the largest PDU this server is willing to receive.
	// Zero means DefaultMaxPDUSize.
	MaxPDUSize int

	Timeouts AssociationTimeouts
}

// AssociationInfo identifies the two ends of an accepted association, as
// negotiated in the A-ASSOCIATE exchange. Handlers receive it with every
// request so per-peer policy, e.g. storage authorization, can key on the
// caller rather than on the payload.
type AssociationInfo struct {
	// CallingAETitle and CalledAETitle carry the negotiated AE titles
	// with the wire format's space padding stripped.
	CallingAETitle string
	CalledAETitle  string

	// RemoteAddr is the peer's transport address. Nil when the handler is
	// driven without a network connection.
	RemoteAddr net.Addr
}

// CStoreCallback is called on C-STORE request. assoc identifies the
// association that carried it. sopInstanceUID is the ID of the data.
// sopClassUID is the data type ("1.2.840.10008.5.1.4.1.1.1.2" etc.), and
// transferSyntaxUID is the data encoding ("1.2.840.10008.1.2.1" etc.).
// These args come from the request.
//
// "data" is the payload, i.e. a sequence of serialized dicom.Element
// objects, without the group-2 metadata elements; those are stripped by the
// requestor, and the two key ones travel as sop{Class,Instance}UID in the
// command set.
//
// The handler should synthesize the file meta header from
// sop{Class,Instance}UID and the transfer syntax, write it followed by data,
// and return either Success, a warning code, or one of the CStore* error
// codes.
type CStoreCallback func(
	assoc AssociationInfo,
	transferSyntaxUID string,
	sopClassUID string,
	sopInstanceUID string,
	data []byte) dimse.Status

// CFindCallback implements a C-FIND handler. sopClassUID identifies the
// information model and transferSyntaxUID the encoding of the filter
// payload; both come from the request.
//
// The callback must return a channel that streams CFindResult objects, one
// per matched dataset, and close the channel after the last match.
type CFindCallback func(
	transferSyntaxUID string,
	sopClassUID string,
	filters []*dicom.Element) chan CFindResult

// CMoveCallback implements a C-MOVE or C-GET handler. The callback must
// return a channel that streams the datasets to be sent to the destination,
// and close it after the last one.
type CMoveCallback func(
	transferSyntaxUID string,
	sopClassUID string,
	filters []*dicom.Element) chan CMoveResult

// CEchoCallback implements a C-ECHO callback. It typically just returns
// dimse.Success.
type CEchoCallback func() dimse.Status

// ServiceProvider encapsulates the state for a DICOM server (provider).
type ServiceProvider struct {
	params   ServiceProviderParams
	listener net.Listener
}

func writeElementsToBytes(elems []*dicom.Element, transferSyntaxUID string) ([]byte, error) {
	dataEncoder := dicomio.NewBytesEncoderWithTransferSyntax(transferSyntaxUID)
	for _, elem := range elems {
		dicom.WriteElement(dataEncoder, elem)
	}
	if err := dataEncoder.Error(); err != nil {
		return nil, err
	}
	return dataEncoder.Bytes(), nil
}

func readElementsInBytes(data []byte, transferSyntaxUID string) ([]*dicom.Element, error) {
	decoder := dicomio.NewBytesDecoderWithTransferSyntax(data, transferSyntaxUID)
	var elems []*dicom.Element
	for !decoder.EOF() {
		elem := dicom.ReadElement(decoder, dicom.ReadOptions{})
		if decoder.Error() != nil {
			break
		}
		elems = append(elems, elem)
	}
	if decoder.Error() != nil {
		return nil, decoder.Error()
	}
	return elems, nil
}

func elementsString(elems []*dicom.Element) string {
	s := "["
	for i, elem := range elems {
		if i > 0 {
			s += ", "
		}
		s += elem.String()
	}
	return s + "]"
}

// Send "ds" to remoteHostPort over a fresh association. Called as part of
// C-MOVE.
func runCStoreOnNewAssociation(myAETitle, remoteAETitle, remoteHostPort string, ds *dicom.DataSet) error {
	params, err := NewServiceUserParams(remoteAETitle, myAETitle, sopclass.StorageClasses, nil)
	if err != nil {
		return err
	}
	su := NewServiceUser(params)
	defer su.Release()
	su.Connect(remoteHostPort)
	err = su.CStore(ds)
	vlog.VI(1).Infof("dcmnet.provider: C-STORE subop done: %v", err)
	return err
}

func handleCStore(params ServiceProviderParams, c *dimse.C_STORE_RQ, data []byte, cs *serviceCommandState) {
	metricDimseMessages.WithLabelValues("cstore").Inc()
	status := dimse.Status{Status: dimse.StatusUnrecognizedOperation}
	if params.CStore != nil {
		status = params.CStore(
			cs.cm.associationInfo(),
			cs.context.transferSyntaxUID,
			c.AffectedSOPClassUID,
			c.AffectedSOPInstanceUID,
			data)
		metricStoredBytes.Add(float64(len(data)))
	}
	cs.sendMessage(&dimse.C_STORE_RSP{
		AffectedSOPClassUID:       c.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: c.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    c.AffectedSOPInstanceUID,
		Status:                    status,
	}, nil)
}

func handleCFind(params ServiceProviderParams, c *dimse.C_FIND_RQ, data []byte, cs *serviceCommandState) {
	metricDimseMessages.WithLabelValues("cfind").Inc()
	sendError := func(err error) {
		cs.sendMessage(&dimse.C_FIND_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			Status:                    dimse.Status{Status: dimse.StatusUnrecognizedOperation, ErrorComment: err.Error()},
		}, nil)
	}
	if params.CFind == nil {
		sendError(fmt.Errorf("no C-FIND handler registered"))
		return
	}
	elems, err := readElementsInBytes(data, cs.context.transferSyntaxUID)
	if err != nil {
		sendError(err)
		return
	}
	vlog.VI(1).Infof("dcmnet.provider: C-FIND-RQ payload: %s", elementsString(elems))
	status := dimse.Status{Status: dimse.StatusSuccess}
	responseCh := params.CFind(cs.context.transferSyntaxUID, c.AffectedSOPClassUID, elems)
	for resp := range responseCh {
		if cancelled(cs) {
			status = dimse.Status{Status: dimse.StatusCancel}
			break
		}
		if resp.Err != nil {
			status = dimse.Status{
				Status:       dimse.CFindUnableToProcess,
				ErrorComment: resp.Err.Error(),
			}
			break
		}
		payload, err := writeElementsToBytes(resp.Elements, cs.context.transferSyntaxUID)
		if err != nil {
			vlog.Errorf("dcmnet.provider: C-FIND encode: %v", err)
			status = dimse.Status{
				Status:       dimse.CFindUnableToProcess,
				ErrorComment: err.Error(),
			}
			break
		}
		cs.sendMessage(&dimse.C_FIND_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNonNull,
			Status:                    dimse.Status{Status: dimse.StatusPending},
		}, payload)
	}
	cs.sendMessage(&dimse.C_FIND_RSP{
		AffectedSOPClassUID:       c.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: c.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		Status:                    status}, nil)
	// Drain the responses in case of error or cancel.
	for range responseCh {
	}
}

// cancelled polls the command's upcall channel for a C-CANCEL-RQ without
// blocking.
func cancelled(cs *serviceCommandState) bool {
	select {
	case event, ok := <-cs.upcallCh:
		if !ok {
			return true
		}
		if _, isCancel := event.command.(*dimse.C_CANCEL_RQ); isCancel {
			vlog.VI(1).Infof("dcmnet.provider: C-CANCEL-RQ for message %d", cs.messageID)
			return true
		}
		vlog.Infof("dcmnet.provider: unexpected message mid-command: %v", event.command)
		return false
	default:
		return false
	}
}

func handleCMove(params ServiceProviderParams, c *dimse.C_MOVE_RQ, data []byte, cs *serviceCommandState) {
	metricDimseMessages.WithLabelValues("cmove").Inc()
	sendError := func(err error) {
		cs.sendMessage(&dimse.C_MOVE_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			Status:                    dimse.Status{Status: dimse.StatusUnrecognizedOperation, ErrorComment: err.Error()},
		}, nil)
	}
	if params.CMove == nil {
		sendError(fmt.Errorf("no C-MOVE handler registered"))
		return
	}
	remoteHostPort, ok := params.RemoteAEs[c.MoveDestination]
	if !ok {
		sendError(fmt.Errorf("C-MOVE destination %q not registered in the server", c.MoveDestination))
		return
	}
	elems, err := readElementsInBytes(data, cs.context.transferSyntaxUID)
	if err != nil {
		sendError(err)
		return
	}
	vlog.VI(1).Infof("dcmnet.provider: C-MOVE-RQ payload: %s", elementsString(elems))
	responseCh := params.CMove(cs.context.transferSyntaxUID, c.AffectedSOPClassUID, elems)
	status := dimse.Status{Status: dimse.StatusSuccess}
	var numSuccesses, numFailures, numWarnings uint16
	for resp := range responseCh {
		if cancelled(cs) {
			status = dimse.Status{Status: dimse.StatusCancel}
			break
		}
		if resp.Err != nil {
			status = dimse.Status{
				Status:       dimse.CFindUnableToProcess,
				ErrorComment: resp.Err.Error(),
			}
			break
		}
		vlog.VI(1).Infof("dcmnet.provider: C-MOVE sending %v to %v(%s)", resp.Path, c.MoveDestination, remoteHostPort)
		err := runCStoreOnNewAssociation(params.AETitle, c.MoveDestination, remoteHostPort, resp.DataSet)
		if err != nil {
			vlog.Errorf("dcmnet.provider: C-MOVE: C-STORE of %v to %v(%v): %v", resp.Path, c.MoveDestination, remoteHostPort, err)
			numFailures++
		} else {
			numSuccesses++
		}
		cs.sendMessage(&dimse.C_MOVE_RSP{
			AffectedSOPClassUID:            c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo:      c.MessageID,
			CommandDataSetType:             dimse.CommandDataSetTypeNull,
			NumberOfRemainingSuboperations: uint16(resp.Remaining),
			NumberOfCompletedSuboperations: numSuccesses,
			NumberOfFailedSuboperations:    numFailures,
			NumberOfWarningSuboperations:   numWarnings,
			Status:                         dimse.Status{Status: dimse.StatusPending},
		}, nil)
	}
	cs.sendMessage(&dimse.C_MOVE_RSP{
		AffectedSOPClassUID:            c.AffectedSOPClassUID,
		MessageIDBeingRespondedTo:      c.MessageID,
		CommandDataSetType:             dimse.CommandDataSetTypeNull,
		NumberOfCompletedSuboperations: numSuccesses,
		NumberOfFailedSuboperations:    numFailures,
		NumberOfWarningSuboperations:   numWarnings,
		Status:                         status}, nil)
	for range responseCh {
	}
}

func handleCGet(params ServiceProviderParams, c *dimse.C_GET_RQ, data []byte, cs *serviceCommandState) {
	metricDimseMessages.WithLabelValues("cget").Inc()
	sendError := func(err error) {
		cs.sendMessage(&dimse.C_GET_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			Status:                    dimse.Status{Status: dimse.StatusUnrecognizedOperation, ErrorComment: err.Error()},
		}, nil)
	}
	if params.CGet == nil {
		sendError(fmt.Errorf("no C-GET handler registered"))
		return
	}
	elems, err := readElementsInBytes(data, cs.context.transferSyntaxUID)
	if err != nil {
		sendError(err)
		return
	}
	vlog.VI(1).Infof("dcmnet.provider: C-GET-RQ payload: %s", elementsString(elems))
	responseCh := params.CGet(cs.context.transferSyntaxUID, c.AffectedSOPClassUID, elems)
	status := dimse.Status{Status: dimse.StatusSuccess}
	var numSuccesses, numFailures, numWarnings uint16
	for resp := range responseCh {
		// An in-progress object is finished before a cancel takes
		// effect, so the peer always sees a consistent suboperation
		// count.
		if cancelled(cs) {
			status = dimse.Status{Status: dimse.StatusCancel}
			break
		}
		if resp.Err != nil {
			status = dimse.Status{
				Status:       dimse.CFindUnableToProcess,
				ErrorComment: resp.Err.Error(),
			}
			break
		}
		subCs := cs.disp.allocateCommand(cs.cm, cs.context)
		code, err := runCStoreOnAssociation(subCs.upcallCh, cs.disp.downcallCh, subCs.cm, subCs.messageID, resp.DataSet)
		cs.disp.deleteCommand(subCs)
		switch {
		case err != nil:
			vlog.Errorf("dcmnet.provider: C-GET: C-STORE of %v: %v", resp.Path, err)
			numFailures++
		case IsWarningStatus(code):
			numWarnings++
		default:
			numSuccesses++
		}
		cs.sendMessage(&dimse.C_GET_RSP{
			AffectedSOPClassUID:            c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo:      c.MessageID,
			CommandDataSetType:             dimse.CommandDataSetTypeNull,
			NumberOfRemainingSuboperations: uint16(resp.Remaining),
			NumberOfCompletedSuboperations: numSuccesses,
			NumberOfFailedSuboperations:    numFailures,
			NumberOfWarningSuboperations:   numWarnings,
			Status:                         dimse.Status{Status: dimse.StatusPending},
		}, nil)
	}
	cs.sendMessage(&dimse.C_GET_RSP{
		AffectedSOPClassUID:            c.AffectedSOPClassUID,
		MessageIDBeingRespondedTo:      c.MessageID,
		CommandDataSetType:             dimse.CommandDataSetTypeNull,
		NumberOfCompletedSuboperations: numSuccesses,
		NumberOfFailedSuboperations:    numFailures,
		NumberOfWarningSuboperations:   numWarnings,
		Status:                         status}, nil)
	for range responseCh {
	}
}

func handleCEcho(params ServiceProviderParams, c *dimse.C_ECHO_RQ, cs *serviceCommandState) {
	metricDimseMessages.WithLabelValues("cecho").Inc()
	status := dimse.Success
	if params.CEcho != nil {
		status = params.CEcho()
	}
	cs.sendMessage(&dimse.C_ECHO_RSP{
		MessageIDBeingRespondedTo: c.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		Status:                    status,
	}, nil)
}

// registerProviderCallbacks hooks the request handlers into the dispatcher.
func registerProviderCallbacks(disp *serviceDispatcher, params ServiceProviderParams) {
	disp.registerCallback(dimse.CommandFieldCStoreRq,
		func(msg dimse.Message, data []byte, cs *serviceCommandState) {
			handleCStore(params, msg.(*dimse.C_STORE_RQ), data, cs)
		})
	disp.registerCallback(dimse.CommandFieldCFindRq,
		func(msg dimse.Message, data []byte, cs *serviceCommandState) {
			handleCFind(params, msg.(*dimse.C_FIND_RQ), data, cs)
		})
	disp.registerCallback(dimse.CommandFieldCMoveRq,
		func(msg dimse.Message, data []byte, cs *serviceCommandState) {
			handleCMove(params, msg.(*dimse.C_MOVE_RQ), data, cs)
		})
	disp.registerCallback(dimse.CommandFieldCGetRq,
		func(msg dimse.Message, data []byte, cs *serviceCommandState) {
			handleCGet(params, msg.(*dimse.C_GET_RQ), data, cs)
		})
	disp.registerCallback(dimse.CommandFieldCEchoRq,
		func(msg dimse.Message, data []byte, cs *serviceCommandState) {
			handleCEcho(params, msg.(*dimse.C_ECHO_RQ), cs)
		})
	// A stray C-CANCEL-RQ whose command already finished is legal; drop
	// it quietly.
	disp.registerCallback(dimse.CommandFieldCCancelRq,
		func(msg dimse.Message, data []byte, cs *serviceCommandState) {
			vlog.VI(1).Infof("dcmnet.provider: stray C-CANCEL-RQ: %v", msg)
		})
}

// NewServiceProvider creates a new DICOM server object. Run() will actually
// start running the service.
func NewServiceProvider(params ServiceProviderParams) *ServiceProvider {
	return &ServiceProvider{params: params}
}

// RunProviderForConn starts threads for running a DICOM server on "conn".
// This function returns immediately; "conn" will be cleaned up in the
// background.
func RunProviderForConn(conn net.Conn, params ServiceProviderParams) {
	upcallCh := make(chan upcallEvent, 128)
	disp := newServiceDispatcher("provider")
	registerProviderCallbacks(disp, params)

	go runStateMachineForServiceProvider(conn, params, upcallCh, disp.downcallCh)
	go func() {
		handshakeCompleted := false
		for event := range upcallCh {
			if event.eventType == upcallEventHandshakeCompleted {
				doassert(!handshakeCompleted)
				handshakeCompleted = true
				metricAssociations.WithLabelValues("accepted").Inc()
				continue
			}
			doassert(event.eventType == upcallEventData)
			doassert(event.command != nil)
			doassert(handshakeCompleted)
			disp.handleEvent(event)
		}
		if !handshakeCompleted {
			metricAssociations.WithLabelValues("rejected").Inc()
		}
		disp.close()
		vlog.VI(2).Info("dcmnet.provider: connection finished")
	}()
}

// Run listens on "listenAddr", accepts connections, and runs the DICOM
// protocol on each. It returns only when the listener fails. listenAddr is a
// TCP address; e.g. ":1234" listens on port 1234 on every local IP address.
func (sp *ServiceProvider) Run(listenAddr string) error {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	return sp.RunListener(listener)
}

// RunListener is Run over a caller-supplied listener, e.g. one wrapped by
// crypto/tls with a prebuilt config.
func (sp *ServiceProvider) RunListener(listener net.Listener) error {
	sp.listener = listener
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		RunProviderForConn(conn, sp.params)
	}
}

// ListenAddr returns the address Run is listening on, once Run has started.
func (sp *ServiceProvider) ListenAddr() net.Addr {
	if sp.listener == nil {
		return nil
	}
	return sp.listener.Addr()
}
