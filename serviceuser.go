// This file implements the ServiceUser (i.e., a DICOM DIMSE client) class.
package dcmnet

import (
	"fmt"
	"net"
	"sync"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/openradx/dcmnet/dimse"
	"github.com/openradx/dcmnet/sopclass"
	"v.io/x/lib/vlog"
)

type serviceUserStatus int

const (
	serviceUserInitial = iota
	serviceUserAssociationActive
	serviceUserClosed
)

// ServiceUser implements the client side of the DICOM network protocol.
//
//	params, err := dcmnet.NewServiceUserParams(
//	   "REMOTEAE" /*remote app-entity title*/,
//	   "testclient" /*this app-entity title*/,
//	   sopclass.QRFindClasses, /* SOP classes to use in the requests*/
//	   nil /* transfer syntaxes to use; usually nil suffices */)
//	user := dcmnet.NewServiceUser(params)
//	// Connect to server 1.2.3.4, port 8888
//	user.Connect("1.2.3.4:8888")
//	// Send test.dcm to the server
//	ds, err := dicom.ReadDataSetFromFile("test.dcm", dicom.ReadOptions{})
//	err := user.CStore(ds)
//	// Disconnect
//	user.Release()
//
// C-STORE requests may be issued concurrently from multiple goroutines on
// one ServiceUser; each call allocates its own message ID and responses are
// routed back by ID. The streaming verbs (C-FIND, C-GET, C-MOVE) register
// association-wide state, so issue at most one of them at a time, and do not
// overlap them with Release or Abort.
type ServiceUser struct {
	upcallCh chan upcallEvent

	mu   *sync.Mutex
	cond *sync.Cond // Broadcast when status changes.

	disp *serviceDispatcher

	// cancelAfter, when positive, makes the next C-FIND/C-GET/C-MOVE send
	// a C-CANCEL-RQ after that many pending responses. Not guarded; set
	// it before issuing the command.
	cancelAfter int

	// Following fields are guarded by mu.
	status serviceUserStatus
	cm     *contextManager // Set only after the handshake completes.
}

// ServiceUserParams defines the config of a ServiceUser.
type ServiceUserParams struct {
	CalledAETitle  string // Must be nonempty
	CallingAETitle string // Must be nonempty

	// List of SOPUIDs wanted by the user.
	RequiredServices []sopclass.SOPUID

	// List of transfer syntaxes supported by the user. If you know the
	// transfer syntax of the file you are going to send, list it here so
	// the object travels without re-encoding.
	SupportedTransferSyntaxes []string

	// SCPRoleClasses lists SOP class UIDs for which this side also acts
	// as SCP, i.e. the storage classes that carry inbound C-STOREs during
	// a C-GET. Each entry produces a role-selection item in the
	// handshake.
	SCPRoleClasses []string

	// ExtendedNegotiations carries service-class specific negotiation
	// payloads, keyed by SOP class UID and sent verbatim.
	ExtendedNegotiations map[string][]byte

	// MaxPDUSize is the largest PDU this side is willing to receive.
	// Zero means DefaultMaxPDUSize.
	MaxPDUSize int

	// Async ops window to offer; both zero omits the item.
	MaxOpsInvoked   uint16
	MaxOpsPerformed uint16

	Timeouts AssociationTimeouts
}

// NewServiceUserParams creates a ServiceUserParams. requiredServices is the
// abstract syntaxes (SOP classes) that the client wishes to use in the
// requests. It's usually one of the lists defined in the sopclass package. If
// transferSyntaxUIDs is empty, the exhaustive list of syntaxes defined in the
// DICOM standard is used.
func NewServiceUserParams(
	calledAETitle string,
	callingAETitle string,
	requiredServices []sopclass.SOPUID,
	transferSyntaxUIDs []string) (ServiceUserParams, error) {
	if calledAETitle == "" {
		return ServiceUserParams{}, fmt.Errorf("NewServiceUserParams: empty calledAETitle")
	}
	if callingAETitle == "" {
		return ServiceUserParams{}, fmt.Errorf("NewServiceUserParams: empty callingAETitle")
	}
	if len(transferSyntaxUIDs) == 0 {
		transferSyntaxUIDs = dicomio.StandardTransferSyntaxes
	} else {
		for i, uid := range transferSyntaxUIDs {
			canonicalUID, err := dicomio.CanonicalTransferSyntaxUID(uid)
			if err != nil {
				return ServiceUserParams{}, err
			}
			transferSyntaxUIDs[i] = canonicalUID
		}
	}
	return ServiceUserParams{
		CalledAETitle:             calledAETitle,
		CallingAETitle:            callingAETitle,
		RequiredServices:          requiredServices,
		SupportedTransferSyntaxes: transferSyntaxUIDs,
	}, nil
}

// NewServiceUser creates a new ServiceUser. The caller must call either
// Connect() or SetConn() before calling any other method, such as CStore.
func NewServiceUser(params ServiceUserParams) *ServiceUser {
	mu := &sync.Mutex{}
	su := &ServiceUser{
		upcallCh: make(chan upcallEvent, 128),
		disp:     newServiceDispatcher("user"),
		mu:       mu,
		cond:     sync.NewCond(mu),
		status:   serviceUserInitial,
	}
	go runStateMachineForServiceUser(params, su.upcallCh, su.disp.downcallCh)
	go func() {
		for event := range su.upcallCh {
			if event.eventType == upcallEventHandshakeCompleted {
				su.mu.Lock()
				doassert(su.cm == nil)
				su.status = serviceUserAssociationActive
				su.cond.Broadcast()
				su.cm = event.cm
				doassert(su.cm != nil)
				su.mu.Unlock()
				continue
			}
			doassert(event.eventType == upcallEventData)
			su.disp.handleEvent(event)
		}
		vlog.VI(1).Infof("dcmnet.user: dispatcher finished")
		su.mu.Lock()
		su.cond.Broadcast()
		su.status = serviceUserClosed
		su.mu.Unlock()
		su.disp.close()
	}()
	return su
}

func (su *ServiceUser) waitUntilReady() error {
	su.mu.Lock()
	defer su.mu.Unlock()
	for su.status <= serviceUserInitial {
		su.cond.Wait()
	}
	if su.status != serviceUserAssociationActive {
		return fmt.Errorf("dcmnet.user: association handshake failed: %w", ErrConnect)
	}
	return nil
}

// Connect connects to the server at the given "host:port". Either Connect or
// SetConn must be called before CStore, etc.
func (su *ServiceUser) Connect(serverAddr string) {
	doassert(su.status == serviceUserInitial)
	su.disp.downcallCh <- stateEvent{event: evt01, serverAddr: serverAddr}
}

// SetConn instructs ServiceUser to use the given network connection to talk
// to the server. Either Connect or SetConn must be called before CStore, etc.
func (su *ServiceUser) SetConn(conn net.Conn) {
	doassert(su.status == serviceUserInitial)
	su.disp.downcallCh <- stateEvent{event: evt01, conn: conn}
}

// SetCancelAfter arranges for the next C-FIND, C-GET or C-MOVE to issue a
// C-CANCEL-RQ once n pending responses have arrived. The command then drains
// remaining responses and reports ErrCancelled when the peer confirms with
// the cancel status. Zero disables cancellation.
func (su *ServiceUser) SetCancelAfter(n int) {
	su.cancelAfter = n
}

func (su *ServiceUser) sendCancel(cs *serviceCommandState) {
	vlog.VI(1).Infof("dcmnet.user: sending C-CANCEL-RQ for message %d", cs.messageID)
	cs.sendMessage(&dimse.C_CANCEL_RQ{
		MessageIDBeingRespondedTo: cs.messageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
	}, nil)
}

// CEcho sends a C-ECHO request to the remote AE. Returns nil iff the remote
// AE responds ok.
func (su *ServiceUser) CEcho() error {
	err := su.waitUntilReady()
	if err != nil {
		return err
	}
	context, err := su.cm.lookupByAbstractSyntaxUID(dicomuid.VerificationSOPClass)
	if err != nil {
		return err
	}
	cs := su.disp.allocateCommand(su.cm, context)
	defer su.disp.deleteCommand(cs)
	cs.sendMessage(
		&dimse.C_ECHO_RQ{
			MessageID:          cs.messageID,
			CommandDataSetType: dimse.CommandDataSetTypeNull,
		}, nil)
	event, ok := <-cs.upcallCh
	if !ok {
		return fmt.Errorf("dcmnet.user: %w while waiting for C-ECHO response", ErrAssociationAborted)
	}
	resp, ok := event.command.(*dimse.C_ECHO_RSP)
	if !ok {
		return fmt.Errorf("dcmnet.user: %w: invalid response for C-ECHO: %v", ErrProtocol, event.command)
	}
	if resp.Status.Status != dimse.StatusSuccess {
		return &RemoteDIMSEError{Verb: dimse.CommandFieldCEchoRsp, Status: resp.Status}
	}
	return nil
}

// CStore issues a C-STORE request to transfer "ds" to the remote peer. It
// blocks until the operation finishes.
//
// REQUIRES: Connect() or SetConn() has been called.
func (su *ServiceUser) CStore(ds *dicom.DataSet) error {
	_, err := su.CStoreStatus(ds)
	return err
}

// CStoreStatus is CStore, additionally reporting the response status code so
// callers can distinguish warning-class outcomes.
func (su *ServiceUser) CStoreStatus(ds *dicom.DataSet) (dimse.StatusCode, error) {
	err := su.waitUntilReady()
	if err != nil {
		return 0, err
	}
	doassert(su.cm != nil)
	cs := su.disp.allocateCommand(su.cm, contextManagerEntry{})
	defer su.disp.deleteCommand(cs)
	return runCStoreOnAssociation(cs.upcallCh, su.disp.downcallCh, su.cm, cs.messageID, ds)
}

// CStoreRaw sends dataset bytes already encoded in transferSyntaxUID,
// without decoding them. The association must have accepted (sopClassUID,
// transferSyntaxUID); consult AcceptedTransferSyntax first. Proxies use
// this to forward inbound objects byte for byte.
func (su *ServiceUser) CStoreRaw(
	sopClassUID, sopInstanceUID, transferSyntaxUID string,
	data []byte) (dimse.StatusCode, error) {
	err := su.waitUntilReady()
	if err != nil {
		return 0, err
	}
	doassert(su.cm != nil)
	if _, err := su.cm.resolveContext(sopClassUID, transferSyntaxUID); err != nil {
		return 0, err
	}
	cs := su.disp.allocateCommand(su.cm, contextManagerEntry{})
	defer su.disp.deleteCommand(cs)
	return runCStoreRawOnAssociation(cs.upcallCh, su.disp.downcallCh,
		sopClassUID, sopInstanceUID, transferSyntaxUID, cs.messageID, data)
}

// AcceptedTransferSyntax reports the transfer syntax the association will
// use for sopClassUID, preferring sourceTransferSyntaxUID when the peer
// accepted it. ErrNoAcceptedContext when the class was not negotiated.
func (su *ServiceUser) AcceptedTransferSyntax(sopClassUID, sourceTransferSyntaxUID string) (string, error) {
	if err := su.waitUntilReady(); err != nil {
		return "", err
	}
	doassert(su.cm != nil)
	context, err := su.cm.selectTransferSyntax(sopClassUID, sourceTransferSyntaxUID)
	if err != nil {
		return "", err
	}
	return context.transferSyntaxUID, nil
}

// CFindQRLevel names the information model and level of a query.
type CFindQRLevel int

const (
	CFindPatientQRLevel CFindQRLevel = iota
	CFindStudyQRLevel
)

// QRInformationModel names the abstract syntaxes of one query/retrieve
// information model and the string written to QueryRetrieveLevel. An empty
// LevelString omits the element; worklist and object-definition models work
// that way.
type QRInformationModel struct {
	FindClassUID string
	MoveClassUID string
	GetClassUID  string
	LevelString  string
}

var (
	PatientRootInformationModel = QRInformationModel{
		FindClassUID: dicomuid.PatientRootQRFind,
		MoveClassUID: "1.2.840.10008.5.1.4.1.2.1.2",
		GetClassUID:  "1.2.840.10008.5.1.4.1.2.1.3",
		LevelString:  "PATIENT",
	}
	StudyRootInformationModel = QRInformationModel{
		FindClassUID: dicomuid.StudyRootQRFind,
		MoveClassUID: "1.2.840.10008.5.1.4.1.2.2.2",
		GetClassUID:  "1.2.840.10008.5.1.4.1.2.2.3",
		LevelString:  "STUDY",
	}
	PatientStudyOnlyInformationModel = QRInformationModel{
		FindClassUID: "1.2.840.10008.5.1.4.1.2.3.1",
		MoveClassUID: "1.2.840.10008.5.1.4.1.2.3.2",
		GetClassUID:  "1.2.840.10008.5.1.4.1.2.3.3",
		LevelString:  "PATIENT",
	}
	ModalityWorklistInformationModel = QRInformationModel{
		FindClassUID: "1.2.840.10008.5.1.4.31",
	}
	UnifiedProcedureStepPullInformationModel = QRInformationModel{
		FindClassUID: "1.2.840.10008.5.1.4.34.6.3",
	}
	UnifiedProcedureStepWatchInformationModel = QRInformationModel{
		FindClassUID: "1.2.840.10008.5.1.4.34.6.2",
	}
	HangingProtocolInformationModel = QRInformationModel{
		FindClassUID: "1.2.840.10008.5.1.4.38.2",
		MoveClassUID: "1.2.840.10008.5.1.4.38.3",
		GetClassUID:  "1.2.840.10008.5.1.4.38.4",
	}
	ColorPaletteInformationModel = QRInformationModel{
		FindClassUID: "1.2.840.10008.5.1.4.39.2",
		MoveClassUID: "1.2.840.10008.5.1.4.39.3",
		GetClassUID:  "1.2.840.10008.5.1.4.39.4",
	}
)

// RelationalQueryNegotiation builds the extended-negotiation payload that
// enables relational queries and combined date-time matching for the
// model's find class, suitable for ServiceUserParams.ExtendedNegotiations.
// Worklist-style models commonly need it.
func RelationalQueryNegotiation(model QRInformationModel) map[string][]byte {
	// PS3.4 C.5.1: byte 0 relational-queries, byte 1 date-time matching.
	return map[string][]byte{model.FindClassUID: {1, 1}}
}

func qrLevelToModel(qrLevel CFindQRLevel) (QRInformationModel, error) {
	switch qrLevel {
	case CFindPatientQRLevel:
		return PatientRootInformationModel, nil
	case CFindStudyQRLevel:
		return StudyRootInformationModel, nil
	default:
		return QRInformationModel{}, fmt.Errorf("dcmnet.user: invalid QR level %d", qrLevel)
	}
}

// CFindResult is one C-FIND match streamed to the caller.
type CFindResult struct {
	// Exactly one of Err or Elements is set.
	Err      error
	Elements []*dicom.Element // Elements belonging to one matched dataset.
}

// CMoveResult is one object to be sent as part of serving a C-MOVE or C-GET.
type CMoveResult struct {
	Remaining int // Number of files remaining to be sent. Set -1 if unknown.
	Err       error
	Path      string         // Path name of the DICOM file being copied. Used only for reporting errors.
	DataSet   *dicom.DataSet // Contents of the file.
}

// encodeQRPayload encodes the query filter in the transfer syntax of the
// accepted context for sopClassUID. levelString, when nonempty, becomes the
// QueryRetrieveLevel element.
func encodeQRPayload(sopClassUID, levelString string, filter []*dicom.Element, cm *contextManager) (contextManagerEntry, []byte, error) {
	// This fails when the caller passed the wrong sopclass list in the
	// A-ASSOCIATE handshake.
	context, err := cm.lookupByAbstractSyntaxUID(sopClassUID)
	if err != nil {
		return context, nil, err
	}
	dataEncoder := dicomio.NewBytesEncoderWithTransferSyntax(context.transferSyntaxUID)
	if levelString != "" {
		dicom.WriteElement(dataEncoder, dicom.MustNewElement(dicomtag.QueryRetrieveLevel, levelString))
	}
	for _, elem := range filter {
		if elem.Tag == dicomtag.QueryRetrieveLevel {
			return context, nil, fmt.Errorf("%v: tag must not be in the query payload (it is derived from the information model)", elem.Tag)
		}
		dicom.WriteElement(dataEncoder, elem)
	}
	if err := dataEncoder.Error(); err != nil {
		return context, nil, err
	}
	return context, dataEncoder.Bytes(), nil
}

// CFind issues a C-FIND request against the patient-root or study-root
// model. See CFindModel.
func (su *ServiceUser) CFind(qrLevel CFindQRLevel, filter []*dicom.Element) chan CFindResult {
	model, err := qrLevelToModel(qrLevel)
	if err != nil {
		ch := make(chan CFindResult, 1)
		ch <- CFindResult{Err: err}
		close(ch)
		return ch
	}
	return su.CFindModel(model, filter)
}

// CFindModel issues a C-FIND request. Returns a channel that streams a
// sequence of either an error or a matched dataset. The caller MUST read all
// responses from the channel before issuing any other DIMSE command (C-FIND,
// C-STORE, etc).
//
// REQUIRES: Connect() or SetConn() has been called.
func (su *ServiceUser) CFindModel(model QRInformationModel, filter []*dicom.Element) chan CFindResult {
	ch := make(chan CFindResult, 128)
	err := su.waitUntilReady()
	if err != nil {
		ch <- CFindResult{Err: err}
		close(ch)
		return ch
	}
	context, payload, err := encodeQRPayload(model.FindClassUID, model.LevelString, filter, su.cm)
	if err != nil {
		ch <- CFindResult{Err: err}
		close(ch)
		return ch
	}
	cs := su.disp.allocateCommand(su.cm, context)
	cancelAfter := su.cancelAfter
	go func() {
		defer close(ch)
		defer su.disp.deleteCommand(cs)
		cs.sendMessage(
			&dimse.C_FIND_RQ{
				AffectedSOPClassUID: context.abstractSyntaxUID,
				MessageID:           cs.messageID,
				CommandDataSetType:  dimse.CommandDataSetTypeNonNull,
			},
			payload)
		pendingCount := 0
		cancelSent := false
		for {
			event, ok := <-cs.upcallCh
			if !ok {
				ch <- CFindResult{Err: fmt.Errorf("dcmnet.user: %w while waiting for C-FIND response", ErrAssociationAborted)}
				return
			}
			doassert(event.eventType == upcallEventData)
			doassert(event.command != nil)
			resp, ok := event.command.(*dimse.C_FIND_RSP)
			if !ok {
				ch <- CFindResult{Err: fmt.Errorf("dcmnet.user: %w: wrong response for C-FIND: %v", ErrProtocol, event.command)}
				return
			}
			if resp.Status.IsPending() {
				elems, err := readElementsInBytes(event.data, context.transferSyntaxUID)
				if err != nil {
					vlog.Errorf("dcmnet.user: decode C-FIND response: %v %v", resp.String(), err)
					ch <- CFindResult{Err: err}
				} else {
					ch <- CFindResult{Elements: elems}
				}
				pendingCount++
				if cancelAfter > 0 && pendingCount >= cancelAfter && !cancelSent {
					su.sendCancel(cs)
					cancelSent = true
				}
				continue
			}
			switch resp.Status.Status {
			case dimse.StatusSuccess:
			case dimse.StatusCancel:
				ch <- CFindResult{Err: ErrCancelled}
			default:
				ch <- CFindResult{Err: &RemoteDIMSEError{Verb: dimse.CommandFieldCFindRsp, Status: resp.Status}}
			}
			return
		}
	}()
	return ch
}

// CGet runs a C-GET command against the patient-root or study-root model.
// See CGetModel.
func (su *ServiceUser) CGet(qrLevel CFindQRLevel, filter []*dicom.Element,
	cb CStoreCallback) error {
	model, err := qrLevelToModel(qrLevel)
	if err != nil {
		return err
	}
	return su.CGetModel(model, filter, nil, cb)
}

// CGetModel runs a C-GET command. It calls "cb" for every dataset received;
// "cb" should return dimse.Success iff the data was successfully and stably
// written. progress, when non-nil, is updated from the suboperation counters
// of each response; cancelling it sends a C-CANCEL-RQ after the in-progress
// object. This function blocks until it receives all datasets and the
// command finishes.
func (su *ServiceUser) CGetModel(model QRInformationModel, filter []*dicom.Element,
	progress *DicomProgress,
	cb CStoreCallback) error {
	err := su.waitUntilReady()
	if err != nil {
		return err
	}
	context, payload, err := encodeQRPayload(model.GetClassUID, model.LevelString, filter, su.cm)
	if err != nil {
		return err
	}
	cs := su.disp.allocateCommand(su.cm, context)
	defer su.disp.deleteCommand(cs)
	cancelAfter := su.cancelAfter
	pendingCount := 0
	cancelSent := false

	handleCStore := func(msg dimse.Message, data []byte, storeCs *serviceCommandState) {
		c := msg.(*dimse.C_STORE_RQ)
		status := cb(
			su.cm.associationInfo(),
			storeCs.context.transferSyntaxUID,
			c.AffectedSOPClassUID,
			c.AffectedSOPInstanceUID,
			data)
		storeCs.sendMessage(&dimse.C_STORE_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			AffectedSOPInstanceUID:    c.AffectedSOPInstanceUID,
			Status:                    status,
		}, nil)
	}
	su.disp.registerCallback(dimse.CommandFieldCStoreRq, handleCStore)
	defer su.disp.unregisterCallback(dimse.CommandFieldCStoreRq)
	cs.sendMessage(
		&dimse.C_GET_RQ{
			AffectedSOPClassUID: context.abstractSyntaxUID,
			MessageID:           cs.messageID,
			CommandDataSetType:  dimse.CommandDataSetTypeNonNull,
		},
		payload)
	for {
		event, ok := <-cs.upcallCh
		if !ok {
			return fmt.Errorf("dcmnet.user: %w while waiting for C-GET response", ErrAssociationAborted)
		}
		doassert(event.eventType == upcallEventData)
		doassert(event.command != nil)
		resp, ok := event.command.(*dimse.C_GET_RSP)
		if !ok {
			return fmt.Errorf("dcmnet.user: %w: wrong response for C-GET: %v", ErrProtocol, event.command)
		}
		if progress != nil {
			progress.updateFromSuboperations(
				resp.NumberOfRemainingSuboperations,
				resp.NumberOfCompletedSuboperations,
				resp.NumberOfFailedSuboperations,
				resp.NumberOfWarningSuboperations,
				resp.Status)
		}
		if resp.Status.IsPending() {
			pendingCount++
			wantCancel := cancelAfter > 0 && pendingCount >= cancelAfter
			if progress != nil && progress.Cancelled() {
				wantCancel = true
			}
			if wantCancel && !cancelSent {
				su.sendCancel(cs)
				cancelSent = true
			}
			continue
		}
		switch resp.Status.Status {
		case dimse.StatusSuccess:
			return nil
		case dimse.StatusCancel:
			return ErrCancelled
		default:
			return &RemoteDIMSEError{Verb: dimse.CommandFieldCGetRsp, Status: resp.Status}
		}
	}
}

// CMove runs a C-MOVE command against the patient-root or study-root model.
// See CMoveModel.
func (su *ServiceUser) CMove(destAETitle string, qrLevel CFindQRLevel, filter []*dicom.Element) error {
	model, err := qrLevelToModel(qrLevel)
	if err != nil {
		return err
	}
	return su.CMoveModel(destAETitle, model, filter, nil)
}

// CMoveModel runs a C-MOVE command, asking the peer to send the matched
// objects to destAETitle. progress, when non-nil, is updated from the
// suboperation counters of each response; cancelling it sends a C-CANCEL-RQ.
// Blocks until the peer reports a terminal status.
func (su *ServiceUser) CMoveModel(destAETitle string, model QRInformationModel,
	filter []*dicom.Element, progress *DicomProgress) error {
	err := su.waitUntilReady()
	if err != nil {
		return err
	}
	if destAETitle == "" {
		return fmt.Errorf("dcmnet.user: C-MOVE needs a destination AE title")
	}
	context, payload, err := encodeQRPayload(model.MoveClassUID, model.LevelString, filter, su.cm)
	if err != nil {
		return err
	}
	cs := su.disp.allocateCommand(su.cm, context)
	defer su.disp.deleteCommand(cs)
	cancelAfter := su.cancelAfter
	pendingCount := 0
	cancelSent := false
	cs.sendMessage(
		&dimse.C_MOVE_RQ{
			AffectedSOPClassUID: context.abstractSyntaxUID,
			MessageID:           cs.messageID,
			MoveDestination:     destAETitle,
			CommandDataSetType:  dimse.CommandDataSetTypeNonNull,
		},
		payload)
	for {
		event, ok := <-cs.upcallCh
		if !ok {
			return fmt.Errorf("dcmnet.user: %w while waiting for C-MOVE response", ErrAssociationAborted)
		}
		doassert(event.eventType == upcallEventData)
		doassert(event.command != nil)
		resp, ok := event.command.(*dimse.C_MOVE_RSP)
		if !ok {
			return fmt.Errorf("dcmnet.user: %w: wrong response for C-MOVE: %v", ErrProtocol, event.command)
		}
		if progress != nil {
			progress.updateFromSuboperations(
				resp.NumberOfRemainingSuboperations,
				resp.NumberOfCompletedSuboperations,
				resp.NumberOfFailedSuboperations,
				resp.NumberOfWarningSuboperations,
				resp.Status)
		}
		if resp.Status.IsPending() {
			pendingCount++
			wantCancel := cancelAfter > 0 && pendingCount >= cancelAfter
			if progress != nil && progress.Cancelled() {
				wantCancel = true
			}
			if wantCancel && !cancelSent {
				su.sendCancel(cs)
				cancelSent = true
			}
			continue
		}
		switch resp.Status.Status {
		case dimse.StatusSuccess:
			return nil
		case dimse.StatusCancel:
			return ErrCancelled
		default:
			return &RemoteDIMSEError{Verb: dimse.CommandFieldCMoveRsp, Status: resp.Status}
		}
	}
}

// Release shuts down the connection after draining in-flight commands. It
// must be called exactly once. After Release(), no other operation can be
// performed on the ServiceUser object.
func (su *ServiceUser) Release() {
	if err := su.waitUntilReady(); err != nil {
		return
	}
	su.disp.waitForOutstanding(nil)
	su.disp.downcallCh <- stateEvent{event: evt11}
	su.mu.Lock()
	defer su.mu.Unlock()
	su.status = serviceUserClosed
	su.cond.Broadcast()
	su.disp.close()
}

// ReleaseEager releases the association without draining in-flight
// commands. Useful after a cancel, when the caller no longer cares about the
// remaining responses.
func (su *ServiceUser) ReleaseEager() {
	if err := su.waitUntilReady(); err != nil {
		return
	}
	su.disp.downcallCh <- stateEvent{event: evt11}
	su.mu.Lock()
	defer su.mu.Unlock()
	su.status = serviceUserClosed
	su.cond.Broadcast()
	su.disp.close()
}

// Abort tears the association down immediately with an A-ABORT. Pending
// commands fail with ErrAssociationAborted.
func (su *ServiceUser) Abort() {
	su.disp.downcallCh <- stateEvent{event: evt15}
	su.mu.Lock()
	defer su.mu.Unlock()
	su.status = serviceUserClosed
	su.cond.Broadcast()
	su.disp.close()
}
