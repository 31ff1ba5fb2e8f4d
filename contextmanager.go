package dcmnet

import (
	"fmt"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/openradx/dcmnet/pdu"
	"v.io/x/lib/vlog"
)

type contextManagerEntry struct {
	contextID         byte
	abstractSyntaxUID string
	transferSyntaxUID string
}

// The standard treats an advertised maximum PDU size of zero as "no limit".
// We still chunk at a sane size so a single P-DATA-TF never buffers an
// entire large object.
const unlimitedPDUSizeCap = 16 << 10

// contextManager tracks the contextID <-> (abstract syntax, transfer syntax)
// mappings negotiated during one association handshake, plus what the peer
// told us about itself. Abstract-syntax UIDs, e.g.
// "1.2.840.10008.5.1.4.1.1.2", are static and global; context IDs are odd
// integers allocated anew per association. One contextManager exists per
// association.
type contextManager struct {
	contextIDMap map[byte]*contextManagerEntry
	// An abstract syntax may be accepted under several contexts, one per
	// transfer syntax. Entries appear in negotiation order.
	abstractSyntaxMap map[string][]*contextManagerEntry

	// The maximum PDU size this side is willing to receive.
	localMaxPDUSize int
	// The maximum PDU size the peer is willing to receive, already
	// normalized: never zero.
	peerMaxPDUSize int
	// UID that identifies the peer implementation. Supposed to be
	// globally unique.
	peerImplementationClassUID string
	// Free-form version string; its format is not standardized.
	peerImplementationVersionName string
	// Async ops window offered by the peer, nil if absent.
	peerAsyncOpsWindow *pdu.AsynchronousOperationsWindowSubItem
	// Role selections by SOP class UID, as stated by the peer.
	peerRoleSelections map[string]*pdu.RoleSelectionSubItem
	// Extended negotiation payloads by SOP class UID, carried verbatim.
	peerExtendedNegotiations map[string][]byte

	// assocInfo names the two ends of the association. Filled in by the
	// state machine when the A-ASSOCIATE exchange completes.
	assocInfo AssociationInfo

	// tmpRequests is used only on the requestor side. It holds the
	// contextID->presentationcontext mapping generated for the
	// A-ASSOCIATE-RQ. Once the A-ASSOCIATE-AC arrives, tmpRequests is
	// matched against the response and the accepted
	// contextID->{abstractsyntax,transfersyntax} mappings are filled in.
	tmpRequests map[byte]*pdu.PresentationContextItem
}

func (m *contextManager) setAssociationInfo(info AssociationInfo) {
	m.assocInfo = info
}

func (m *contextManager) associationInfo() AssociationInfo {
	return m.assocInfo
}

func newContextManager() *contextManager {
	return &contextManager{
		contextIDMap:             make(map[byte]*contextManagerEntry),
		abstractSyntaxMap:        make(map[string][]*contextManagerEntry),
		localMaxPDUSize:          DefaultMaxPDUSize,
		peerMaxPDUSize:           unlimitedPDUSizeCap, // pre-handshake default used by Osirix & pynetdicom
		peerRoleSelections:       make(map[string]*pdu.RoleSelectionSubItem),
		peerExtendedNegotiations: make(map[string][]byte),
		tmpRequests:              make(map[byte]*pdu.PresentationContextItem),
	}
}

// sendPDUSizeLimit is the size limit to apply to outbound PDUs, valid once
// the handshake finished.
func (m *contextManager) sendPDUSizeLimit() int {
	doassert(m.peerMaxPDUSize > 0)
	return m.peerMaxPDUSize
}

func (m *contextManager) setPeerMaxPDUSize(v uint32) {
	if v == 0 {
		m.peerMaxPDUSize = unlimitedPDUSizeCap
	} else {
		m.peerMaxPDUSize = int(v)
	}
}

// Called by the requestor to produce the A-ASSOCIATE-RQ item list. One
// presentation context is generated per requested SOP class, offering every
// supported transfer syntax; the acceptor picks one.
func (m *contextManager) generateAssociateRequest(params ServiceUserParams) []pdu.SubItem {
	items := []pdu.SubItem{
		&pdu.ApplicationContextItem{
			Name: pdu.DICOMApplicationContextItemName,
		}}
	var contextID byte = 1
	for _, sop := range params.RequiredServices {
		syntaxItems := []pdu.SubItem{
			&pdu.AbstractSyntaxSubItem{Name: sop.UID},
		}
		for _, syntaxUID := range params.SupportedTransferSyntaxes {
			syntaxItems = append(syntaxItems, &pdu.TransferSyntaxSubItem{Name: syntaxUID})
		}
		item := &pdu.PresentationContextItem{
			Type:      pdu.ItemTypePresentationContextRequest,
			ContextID: contextID,
			Result:    0, // must be zero for request
			Items:     syntaxItems,
		}
		items = append(items, item)
		m.tmpRequests[contextID] = item
		contextID += 2 // must be odd
	}
	userItems := []pdu.SubItem{
		&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: uint32(m.localMaxPDUSize)},
		&pdu.ImplementationClassUIDSubItem{Name: dicom.GoDICOMImplementationClassUID},
		&pdu.ImplementationVersionNameSubItem{Name: dicom.GoDICOMImplementationVersionName},
	}
	if params.MaxOpsInvoked != 0 || params.MaxOpsPerformed != 0 {
		userItems = append(userItems, &pdu.AsynchronousOperationsWindowSubItem{
			MaxOpsInvoked:   params.MaxOpsInvoked,
			MaxOpsPerformed: params.MaxOpsPerformed,
		})
	}
	// SOP classes for which this side also acts as SCP, e.g. storage
	// classes that will carry inbound C-STOREs during C-GET.
	for _, uid := range params.SCPRoleClasses {
		userItems = append(userItems, &pdu.RoleSelectionSubItem{
			SOPClassUID: uid,
			SCURole:     0,
			SCPRole:     1,
		})
	}
	for uid, info := range params.ExtendedNegotiations {
		userItems = append(userItems, &pdu.ExtendedNegotiationSubItem{
			SOPClassUID: uid,
			Information: info,
		})
	}
	items = append(items, &pdu.UserInformationItem{Items: userItems})
	return items
}

func supportedTransferSyntax(uid string) (string, bool) {
	canonical, err := dicomio.CanonicalTransferSyntaxUID(uid)
	if err != nil {
		return "", false
	}
	for _, std := range dicomio.StandardTransferSyntaxes {
		if canonical == std {
			return canonical, true
		}
	}
	return "", false
}

// Called on the acceptor side when the A-ASSOCIATE-RQ arrives. Returns the
// items to send back in the A-ASSOCIATE-AC. For each presentation context,
// the first proposed transfer syntax we can decode is accepted; a context
// proposing none is rejected with the transfer-syntax result code.
func (m *contextManager) onAssociateRequest(requestItems []pdu.SubItem) ([]pdu.SubItem, error) {
	responses := []pdu.SubItem{
		&pdu.ApplicationContextItem{
			Name: pdu.DICOMApplicationContextItemName,
		},
	}
	var roleResponses []pdu.SubItem
	for _, requestItem := range requestItems {
		switch ri := requestItem.(type) {
		case *pdu.ApplicationContextItem:
			if ri.Name != pdu.DICOMApplicationContextItemName {
				vlog.Errorf("Illegal application context name %q, expected %q; continuing anyway",
					ri.Name, pdu.DICOMApplicationContextItemName)
			}
		case *pdu.PresentationContextItem:
			var sopUID string
			var pickedTransferSyntaxUID string
			var firstProposed string
			for _, subItem := range ri.Items {
				switch c := subItem.(type) {
				case *pdu.AbstractSyntaxSubItem:
					if sopUID != "" {
						return nil, fmt.Errorf("%w: multiple AbstractSyntaxSubItems in %v", ErrProtocol, ri.String())
					}
					sopUID = c.Name
				case *pdu.TransferSyntaxSubItem:
					if firstProposed == "" {
						firstProposed = c.Name
					}
					if pickedTransferSyntaxUID == "" {
						if canonical, ok := supportedTransferSyntax(c.Name); ok {
							pickedTransferSyntaxUID = canonical
						}
					}
				default:
					return nil, fmt.Errorf("%w: unknown subitem in presentation context: %s", ErrProtocol, subItem.String())
				}
			}
			if sopUID == "" || firstProposed == "" {
				return nil, fmt.Errorf("%w: SOP or transfer syntax missing in presentation context: %v", ErrProtocol, ri.String())
			}
			if pickedTransferSyntaxUID == "" {
				vlog.Infof("Rejecting context %d (%s): no decodable transfer syntax proposed",
					ri.ContextID, dicomuid.UIDString(sopUID))
				responses = append(responses, &pdu.PresentationContextItem{
					Type:      pdu.ItemTypePresentationContextResponse,
					ContextID: ri.ContextID,
					Result:    pdu.PresentationContextProviderRejectionTransferSyntaxNotSupported,
					Items:     []pdu.SubItem{&pdu.TransferSyntaxSubItem{Name: firstProposed}}})
				continue
			}
			responses = append(responses, &pdu.PresentationContextItem{
				Type:      pdu.ItemTypePresentationContextResponse,
				ContextID: ri.ContextID,
				Result:    pdu.PresentationContextAccepted,
				Items:     []pdu.SubItem{&pdu.TransferSyntaxSubItem{Name: pickedTransferSyntaxUID}}})
			vlog.VI(1).Infof("Provider(%p): map context %d -> %v, %v",
				m, ri.ContextID, sopUID, pickedTransferSyntaxUID)
			addContextMapping(m, sopUID, pickedTransferSyntaxUID, ri.ContextID)
		case *pdu.UserInformationItem:
			for _, subItem := range ri.Items {
				switch c := subItem.(type) {
				case *pdu.UserInformationMaximumLengthItem:
					m.setPeerMaxPDUSize(c.MaximumLengthReceived)
				case *pdu.ImplementationClassUIDSubItem:
					m.peerImplementationClassUID = c.Name
				case *pdu.ImplementationVersionNameSubItem:
					m.peerImplementationVersionName = c.Name
				case *pdu.AsynchronousOperationsWindowSubItem:
					m.peerAsyncOpsWindow = c
				case *pdu.RoleSelectionSubItem:
					m.peerRoleSelections[c.SOPClassUID] = c
					// Accept the proposed roles as-is.
					roleResponses = append(roleResponses, &pdu.RoleSelectionSubItem{
						SOPClassUID: c.SOPClassUID,
						SCURole:     c.SCURole,
						SCPRole:     c.SCPRole,
					})
				case *pdu.ExtendedNegotiationSubItem:
					m.peerExtendedNegotiations[c.SOPClassUID] = c.Information
				}
			}
		}
	}
	userItems := []pdu.SubItem{
		&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: uint32(m.localMaxPDUSize)},
		&pdu.ImplementationClassUIDSubItem{Name: dicom.GoDICOMImplementationClassUID},
		&pdu.ImplementationVersionNameSubItem{Name: dicom.GoDICOMImplementationVersionName},
	}
	userItems = append(userItems, roleResponses...)
	responses = append(responses, &pdu.UserInformationItem{Items: userItems})
	vlog.VI(1).Infof("Received associate request, #contexts:%v, maxPDU:%v, implclass:%v, version:%v",
		len(m.contextIDMap),
		m.peerMaxPDUSize, m.peerImplementationClassUID, m.peerImplementationVersionName)
	return responses, nil
}

// Called on the requestor side when the A-ASSOCIATE-AC arrives. Rejected
// contexts are dropped; an operation that later needs one fails with
// ErrNoAcceptedContext.
func (m *contextManager) onAssociateResponse(responses []pdu.SubItem) error {
	for _, responseItem := range responses {
		switch ri := responseItem.(type) {
		case *pdu.PresentationContextItem:
			if ri.Result != pdu.PresentationContextAccepted {
				vlog.VI(1).Infof("Peer rejected context %d: %v", ri.ContextID, ri.Result)
				continue
			}
			var pickedTransferSyntaxUID string
			for _, subItem := range ri.Items {
				switch c := subItem.(type) {
				case *pdu.TransferSyntaxSubItem:
					if pickedTransferSyntaxUID != "" {
						return fmt.Errorf("%w: multiple transfer syntaxes in A-ASSOCIATE-AC context: %v", ErrProtocol, ri.String())
					}
					pickedTransferSyntaxUID = c.Name
				default:
					return fmt.Errorf("%w: unknown subitem %s in A-ASSOCIATE-AC context: %s", ErrProtocol, subItem.String(), ri.String())
				}
			}
			request, ok := m.tmpRequests[ri.ContextID]
			if !ok {
				return fmt.Errorf("%w: unknown context ID %d in A-ASSOCIATE-AC: %v", ErrProtocol, ri.ContextID, ri.String())
			}
			found := false
			var sopUID string
			for _, subItem := range request.Items {
				switch c := subItem.(type) {
				case *pdu.AbstractSyntaxSubItem:
					sopUID = c.Name
				case *pdu.TransferSyntaxSubItem:
					if c.Name == pickedTransferSyntaxUID {
						found = true
					}
				}
			}
			if !found || sopUID == "" {
				return fmt.Errorf("%w: accepted transfer syntax %v was never proposed in context %d", ErrProtocol, pickedTransferSyntaxUID, ri.ContextID)
			}
			addContextMapping(m, sopUID, pickedTransferSyntaxUID, ri.ContextID)
		case *pdu.UserInformationItem:
			for _, subItem := range ri.Items {
				switch c := subItem.(type) {
				case *pdu.UserInformationMaximumLengthItem:
					m.setPeerMaxPDUSize(c.MaximumLengthReceived)
				case *pdu.ImplementationClassUIDSubItem:
					m.peerImplementationClassUID = c.Name
				case *pdu.ImplementationVersionNameSubItem:
					m.peerImplementationVersionName = c.Name
				case *pdu.AsynchronousOperationsWindowSubItem:
					m.peerAsyncOpsWindow = c
				case *pdu.RoleSelectionSubItem:
					m.peerRoleSelections[c.SOPClassUID] = c
				case *pdu.ExtendedNegotiationSubItem:
					m.peerExtendedNegotiations[c.SOPClassUID] = c.Information
				}
			}
		}
	}
	vlog.VI(1).Infof("Received associate response, #contexts:%v, maxPDU:%v, implclass:%v, version:%v",
		len(m.contextIDMap),
		m.peerMaxPDUSize, m.peerImplementationClassUID, m.peerImplementationVersionName)
	return nil
}

// Add a mapping between a (global) UID pair and a (per-association) context
// ID.
func addContextMapping(
	m *contextManager,
	abstractSyntaxUID string,
	transferSyntaxUID string,
	contextID byte) {
	vlog.VI(2).Infof("Map context %d -> %s, %s",
		contextID, dicomuid.UIDString(abstractSyntaxUID),
		dicomuid.UIDString(transferSyntaxUID))
	doassert(abstractSyntaxUID != "")
	doassert(transferSyntaxUID != "")
	doassert(contextID%2 == 1)
	e := &contextManagerEntry{
		abstractSyntaxUID: abstractSyntaxUID,
		transferSyntaxUID: transferSyntaxUID,
		contextID:         contextID,
	}
	m.contextIDMap[contextID] = e
	m.abstractSyntaxMap[abstractSyntaxUID] = append(m.abstractSyntaxMap[abstractSyntaxUID], e)
}

// lookupByAbstractSyntaxUID returns the first accepted context for the given
// abstract syntax.
func (m *contextManager) lookupByAbstractSyntaxUID(name string) (contextManagerEntry, error) {
	entries := m.abstractSyntaxMap[name]
	if len(entries) == 0 {
		return contextManagerEntry{}, fmt.Errorf("%w: %s", ErrNoAcceptedContext, dicomuid.UIDString(name))
	}
	return *entries[0], nil
}

// resolveContext returns the accepted context for (abstract syntax, transfer
// syntax). An empty transferSyntaxUID matches the first accepted context.
func (m *contextManager) resolveContext(abstractSyntaxUID, transferSyntaxUID string) (contextManagerEntry, error) {
	if transferSyntaxUID == "" {
		return m.lookupByAbstractSyntaxUID(abstractSyntaxUID)
	}
	for _, e := range m.abstractSyntaxMap[abstractSyntaxUID] {
		if e.transferSyntaxUID == transferSyntaxUID {
			return *e, nil
		}
	}
	return contextManagerEntry{}, fmt.Errorf("%w: %s / %s",
		ErrNoAcceptedContext, dicomuid.UIDString(abstractSyntaxUID), dicomuid.UIDString(transferSyntaxUID))
}

// selectTransferSyntax picks the context to carry an object of class
// abstractSyntaxUID currently encoded in sourceTransferSyntaxUID. The
// source syntax is preferred, so the object can be sent without
// transcoding; otherwise the first accepted context for the class wins and
// the caller must transcode.
func (m *contextManager) selectTransferSyntax(abstractSyntaxUID, sourceTransferSyntaxUID string) (contextManagerEntry, error) {
	entries := m.abstractSyntaxMap[abstractSyntaxUID]
	if len(entries) == 0 {
		return contextManagerEntry{}, fmt.Errorf("%w: %s", ErrNoAcceptedContext, dicomuid.UIDString(abstractSyntaxUID))
	}
	if canonical, err := dicomio.CanonicalTransferSyntaxUID(sourceTransferSyntaxUID); err == nil {
		sourceTransferSyntaxUID = canonical
	}
	for _, e := range entries {
		if e.transferSyntaxUID == sourceTransferSyntaxUID {
			return *e, nil
		}
	}
	return *entries[0], nil
}

// lookupByContextID maps a context ID back to its UID pair.
func (m *contextManager) lookupByContextID(contextID byte) (contextManagerEntry, error) {
	e, ok := m.contextIDMap[contextID]
	if !ok {
		return contextManagerEntry{}, fmt.Errorf("%w: unknown context ID %d", ErrProtocol, contextID)
	}
	return *e, nil
}
