package pdu

// Upper-layer protocol data units, PS3.8. This package sits below the DIMSE
// layer; it knows about framing and items, not about commands.
//
// http://dicom.nema.org/medical/dicom/current/output/pdf/part08.pdf
import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grailbio/go-dicom/dicomio"
	"v.io/x/lib/vlog"
)

// PDU is the interface for DUL messages, e.g. A-ASSOCIATE-AC, P-DATA-TF.
type PDU interface {
	fmt.Stringer
	// WritePayload encodes the PDU payload, excluding the 6-byte header
	// common to all PDU types; the header is produced by EncodePDU.
	WritePayload(*dicomio.Encoder)
}

// Type is the first byte of the PDU header.
type Type byte

const (
	TypeAAssociateRq Type = 1
	TypeAAssociateAc Type = 2
	TypeAAssociateRj Type = 3
	TypePDataTf      Type = 4
	TypeAReleaseRq   Type = 5
	TypeAReleaseRp   Type = 6
	TypeAAbort       Type = 7
)

// SubItem is the interface for DUL items, such as ApplicationContextItem and
// TransferSyntaxSubItem.
type SubItem interface {
	fmt.Stringer
	Write(*dicomio.Encoder)
}

// Possible Type field values for SubItem.
const (
	ItemTypeApplicationContext           = 0x10
	ItemTypePresentationContextRequest   = 0x20
	ItemTypePresentationContextResponse  = 0x21
	ItemTypeAbstractSyntax               = 0x30
	ItemTypeTransferSyntax               = 0x40
	ItemTypeUserInformation              = 0x50
	ItemTypeUserInformationMaximumLength = 0x51
	ItemTypeImplementationClassUID       = 0x52
	ItemTypeAsynchronousOperationsWindow = 0x53
	ItemTypeRoleSelection                = 0x54
	ItemTypeImplementationVersionName    = 0x55
	ItemTypeExtendedNegotiation          = 0x56
)

func decodeSubItem(d *dicomio.Decoder) SubItem {
	itemType := d.ReadByte()
	d.Skip(1)
	length := d.ReadUInt16()
	switch itemType {
	case ItemTypeApplicationContext:
		return decodeApplicationContextItem(d, length)
	case ItemTypeAbstractSyntax:
		return decodeAbstractSyntaxSubItem(d, length)
	case ItemTypeTransferSyntax:
		return decodeTransferSyntaxSubItem(d, length)
	case ItemTypePresentationContextRequest, ItemTypePresentationContextResponse:
		return decodePresentationContextItem(d, itemType, length)
	case ItemTypeUserInformation:
		return decodeUserInformationItem(d, length)
	case ItemTypeUserInformationMaximumLength:
		return decodeUserInformationMaximumLengthItem(d, length)
	case ItemTypeImplementationClassUID:
		return decodeImplementationClassUIDSubItem(d, length)
	case ItemTypeAsynchronousOperationsWindow:
		return decodeAsynchronousOperationsWindowSubItem(d, length)
	case ItemTypeRoleSelection:
		return decodeRoleSelectionSubItem(d, length)
	case ItemTypeImplementationVersionName:
		return decodeImplementationVersionNameSubItem(d, length)
	case ItemTypeExtendedNegotiation:
		return decodeExtendedNegotiationSubItem(d, length)
	default:
		return decodeSubItemUnsupported(d, itemType, length)
	}
}

func encodeSubItemHeader(e *dicomio.Encoder, itemType byte, length uint16) {
	e.WriteByte(itemType)
	e.WriteZeros(1)
	e.WriteUInt16(length)
}

// UserInformationItem; P3.8 9.3.2.3.
type UserInformationItem struct {
	Items []SubItem // P3.8, Annex D.
}

func (v *UserInformationItem) Write(e *dicomio.Encoder) {
	itemEncoder := dicomio.NewBytesEncoder(binary.BigEndian, dicomio.UnknownVR)
	for _, s := range v.Items {
		s.Write(itemEncoder)
	}
	if err := itemEncoder.Error(); err != nil {
		e.SetError(err)
		return
	}
	itemBytes := itemEncoder.Bytes()
	encodeSubItemHeader(e, ItemTypeUserInformation, uint16(len(itemBytes)))
	e.WriteBytes(itemBytes)
}

func decodeUserInformationItem(d *dicomio.Decoder, length uint16) *UserInformationItem {
	v := &UserInformationItem{}
	d.PushLimit(int64(length))
	defer d.PopLimit()
	for !d.EOF() {
		item := decodeSubItem(d)
		if d.Error() != nil {
			break
		}
		v.Items = append(v.Items, item)
	}
	return v
}

func (v *UserInformationItem) String() string {
	return fmt.Sprintf("userinformation{items: %s}", subItemListString(v.Items))
}

// UserInformationMaximumLengthItem; P3.8 D.1.
type UserInformationMaximumLengthItem struct {
	MaximumLengthReceived uint32
}

func (v *UserInformationMaximumLengthItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeUserInformationMaximumLength, 4)
	e.WriteUInt32(v.MaximumLengthReceived)
}

func decodeUserInformationMaximumLengthItem(d *dicomio.Decoder, length uint16) *UserInformationMaximumLengthItem {
	if length != 4 {
		d.SetError(fmt.Errorf("maximum length item must be 4 bytes, found %dB", length))
	}
	return &UserInformationMaximumLengthItem{MaximumLengthReceived: d.ReadUInt32()}
}

func (v *UserInformationMaximumLengthItem) String() string {
	return fmt.Sprintf("maximumlength{%d}", v.MaximumLengthReceived)
}

// ImplementationClassUIDSubItem; PS3.7 Annex D.3.3.2.1.
type ImplementationClassUIDSubItem subItemWithName

func decodeImplementationClassUIDSubItem(d *dicomio.Decoder, length uint16) *ImplementationClassUIDSubItem {
	return &ImplementationClassUIDSubItem{Name: decodeSubItemWithName(d, length)}
}

func (v *ImplementationClassUIDSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeImplementationClassUID, v.Name)
}

func (v *ImplementationClassUIDSubItem) String() string {
	return fmt.Sprintf("implementationclassuid{name: %q}", v.Name)
}

// AsynchronousOperationsWindowSubItem; PS3.7 Annex D.3.3.3.1.
type AsynchronousOperationsWindowSubItem struct {
	MaxOpsInvoked   uint16
	MaxOpsPerformed uint16
}

func decodeAsynchronousOperationsWindowSubItem(d *dicomio.Decoder, length uint16) *AsynchronousOperationsWindowSubItem {
	return &AsynchronousOperationsWindowSubItem{
		MaxOpsInvoked:   d.ReadUInt16(),
		MaxOpsPerformed: d.ReadUInt16(),
	}
}

func (v *AsynchronousOperationsWindowSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeAsynchronousOperationsWindow, 2*2)
	e.WriteUInt16(v.MaxOpsInvoked)
	e.WriteUInt16(v.MaxOpsPerformed)
}

func (v *AsynchronousOperationsWindowSubItem) String() string {
	return fmt.Sprintf("asyncopswindow{invoked: %d performed: %d}",
		v.MaxOpsInvoked, v.MaxOpsPerformed)
}

// RoleSelectionSubItem; PS3.7 Annex D.3.3.4. Negotiates, per SOP class,
// whether each side may act as SCU and/or SCP.
type RoleSelectionSubItem struct {
	SOPClassUID string
	SCURole     byte // 1 iff the sender may act as SCU for SOPClassUID
	SCPRole     byte // 1 iff the sender may act as SCP for SOPClassUID
}

func decodeRoleSelectionSubItem(d *dicomio.Decoder, length uint16) *RoleSelectionSubItem {
	uidLen := d.ReadUInt16()
	return &RoleSelectionSubItem{
		SOPClassUID: d.ReadString(int(uidLen)),
		SCURole:     d.ReadByte(),
		SCPRole:     d.ReadByte(),
	}
}

func (v *RoleSelectionSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeRoleSelection, uint16(2+len(v.SOPClassUID)+1+1))
	e.WriteUInt16(uint16(len(v.SOPClassUID)))
	e.WriteString(v.SOPClassUID)
	e.WriteByte(v.SCURole)
	e.WriteByte(v.SCPRole)
}

func (v *RoleSelectionSubItem) String() string {
	return fmt.Sprintf("roleselection{sopclass: %v scu: %v scp: %v}",
		v.SOPClassUID, v.SCURole, v.SCPRole)
}

// ExtendedNegotiationSubItem; PS3.7 Annex D.3.3.5. The Information field is
// service-class specific and carried verbatim.
type ExtendedNegotiationSubItem struct {
	SOPClassUID string
	Information []byte
}

func decodeExtendedNegotiationSubItem(d *dicomio.Decoder, length uint16) *ExtendedNegotiationSubItem {
	uidLen := d.ReadUInt16()
	return &ExtendedNegotiationSubItem{
		SOPClassUID: d.ReadString(int(uidLen)),
		Information: d.ReadBytes(int(length) - 2 - int(uidLen)),
	}
}

func (v *ExtendedNegotiationSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeExtendedNegotiation, uint16(2+len(v.SOPClassUID)+len(v.Information)))
	e.WriteUInt16(uint16(len(v.SOPClassUID)))
	e.WriteString(v.SOPClassUID)
	e.WriteBytes(v.Information)
}

func (v *ExtendedNegotiationSubItem) String() string {
	return fmt.Sprintf("extendednegotiation{sopclass: %v info: %d bytes}",
		v.SOPClassUID, len(v.Information))
}

// ImplementationVersionNameSubItem; PS3.7 Annex D.3.3.2.3.
type ImplementationVersionNameSubItem subItemWithName

func decodeImplementationVersionNameSubItem(d *dicomio.Decoder, length uint16) *ImplementationVersionNameSubItem {
	return &ImplementationVersionNameSubItem{Name: decodeSubItemWithName(d, length)}
}

func (v *ImplementationVersionNameSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeImplementationVersionName, v.Name)
}

func (v *ImplementationVersionNameSubItem) String() string {
	return fmt.Sprintf("implementationversionname{name: %q}", v.Name)
}

// SubItemUnsupported carries an item this package does not interpret. The
// bytes are preserved so the item can be echoed back.
type SubItemUnsupported struct {
	Type byte
	Data []byte
}

func (v *SubItemUnsupported) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, v.Type, uint16(len(v.Data)))
	e.WriteBytes(v.Data)
}

func (v *SubItemUnsupported) String() string {
	return fmt.Sprintf("subitemunsupported{type: 0x%0x data: %d bytes}",
		v.Type, len(v.Data))
}

func decodeSubItemUnsupported(d *dicomio.Decoder, itemType byte, length uint16) *SubItemUnsupported {
	return &SubItemUnsupported{
		Type: itemType,
		Data: d.ReadBytes(int(length)),
	}
}

type subItemWithName struct {
	Name string
}

func encodeSubItemWithName(e *dicomio.Encoder, itemType byte, name string) {
	encodeSubItemHeader(e, itemType, uint16(len(name)))
	e.WriteBytes([]byte(name))
}

func decodeSubItemWithName(d *dicomio.Decoder, length uint16) string {
	return d.ReadString(int(length))
}

// ApplicationContextItem; the first item in an A-ASSOCIATE-RQ.
type ApplicationContextItem subItemWithName

// DICOMApplicationContextItemName is the only defined application context.
const DICOMApplicationContextItemName = "1.2.840.10008.3.1.1.1"

func decodeApplicationContextItem(d *dicomio.Decoder, length uint16) *ApplicationContextItem {
	return &ApplicationContextItem{Name: decodeSubItemWithName(d, length)}
}

func (v *ApplicationContextItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeApplicationContext, v.Name)
}

func (v *ApplicationContextItem) String() string {
	return fmt.Sprintf("applicationcontext{name: %q}", v.Name)
}

type AbstractSyntaxSubItem subItemWithName

func decodeAbstractSyntaxSubItem(d *dicomio.Decoder, length uint16) *AbstractSyntaxSubItem {
	return &AbstractSyntaxSubItem{Name: decodeSubItemWithName(d, length)}
}

func (v *AbstractSyntaxSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeAbstractSyntax, v.Name)
}

func (v *AbstractSyntaxSubItem) String() string {
	return fmt.Sprintf("abstractsyntax{name: %q}", v.Name)
}

type TransferSyntaxSubItem subItemWithName

func decodeTransferSyntaxSubItem(d *dicomio.Decoder, length uint16) *TransferSyntaxSubItem {
	return &TransferSyntaxSubItem{Name: decodeSubItemWithName(d, length)}
}

func (v *TransferSyntaxSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeTransferSyntax, v.Name)
}

func (v *TransferSyntaxSubItem) String() string {
	return fmt.Sprintf("transfersyntax{name: %q}", v.Name)
}

// PresentationContextResult reports the outcome of the per-context
// handshake during A-ASSOCIATE-AC. P3.8, 9.3.3.2, table 9-18.
type PresentationContextResult byte

const (
	PresentationContextAccepted                                    PresentationContextResult = 0
	PresentationContextUserRejection                               PresentationContextResult = 1
	PresentationContextProviderRejectionNoReason                   PresentationContextResult = 2
	PresentationContextProviderRejectionAbstractSyntaxNotSupported PresentationContextResult = 3
	PresentationContextProviderRejectionTransferSyntaxNotSupported PresentationContextResult = 4
)

func (p PresentationContextResult) String() string {
	switch p {
	case PresentationContextAccepted:
		return "Accepted"
	case PresentationContextUserRejection:
		return "User rejection"
	case PresentationContextProviderRejectionNoReason:
		return "Provider rejection (no reason)"
	case PresentationContextProviderRejectionAbstractSyntaxNotSupported:
		return "Provider rejection (abstract syntax not supported)"
	case PresentationContextProviderRejectionTransferSyntaxNotSupported:
		return "Provider rejection (transfer syntax not supported)"
	default:
		return fmt.Sprintf("Unknown presentationcontextresult %d", byte(p))
	}
}

// PresentationContextItem; P3.8 9.3.2.2 and 9.3.3.2.
type PresentationContextItem struct {
	Type      byte // ItemTypePresentationContext{Request,Response}
	ContextID byte // Odd, unique within the association.

	// Result is meaningful iff Type == ItemTypePresentationContextResponse.
	Result PresentationContextResult

	Items []SubItem // {Abstract,Transfer}SyntaxSubItems.
}

func decodePresentationContextItem(d *dicomio.Decoder, itemType byte, length uint16) *PresentationContextItem {
	v := &PresentationContextItem{Type: itemType}
	d.PushLimit(int64(length))
	defer d.PopLimit()
	v.ContextID = d.ReadByte()
	d.Skip(1)
	v.Result = PresentationContextResult(d.ReadByte())
	d.Skip(1)
	for !d.EOF() {
		item := decodeSubItem(d)
		if d.Error() != nil {
			break
		}
		v.Items = append(v.Items, item)
	}
	if v.ContextID%2 != 1 {
		d.SetError(fmt.Errorf("presentation context ID must be odd, found %x", v.ContextID))
	}
	return v
}

func (v *PresentationContextItem) Write(e *dicomio.Encoder) {
	if v.Type != ItemTypePresentationContextRequest &&
		v.Type != ItemTypePresentationContextResponse {
		vlog.Fatal(*v)
	}
	itemEncoder := dicomio.NewBytesEncoder(binary.BigEndian, dicomio.UnknownVR)
	for _, s := range v.Items {
		s.Write(itemEncoder)
	}
	if err := itemEncoder.Error(); err != nil {
		e.SetError(err)
		return
	}
	itemBytes := itemEncoder.Bytes()
	encodeSubItemHeader(e, v.Type, uint16(4+len(itemBytes)))
	e.WriteByte(v.ContextID)
	e.WriteByte(0)
	e.WriteByte(byte(v.Result))
	e.WriteByte(0)
	e.WriteBytes(itemBytes)
}

func (v *PresentationContextItem) String() string {
	itemType := "rq"
	if v.Type == ItemTypePresentationContextResponse {
		itemType = "ac"
	}
	return fmt.Sprintf("presentationcontext%s{id: %d result: %d, items:%s}",
		itemType, v.ContextID, v.Result, subItemListString(v.Items))
}

// PresentationDataValueItem; P3.8 9.3.5.1 and Annex E.2.
type PresentationDataValueItem struct {
	// Wire length is 2 + len(Value).
	ContextID byte

	// The following two fields encode a single message-control byte.
	Command bool // Bit 0: 1 means command, 0 means data.
	Last    bool // Bit 1: 1 means last fragment of the stream.

	Value []byte // Command or dataset bytes.
}

func ReadPresentationDataValueItem(d *dicomio.Decoder) PresentationDataValueItem {
	item := PresentationDataValueItem{}
	length := d.ReadUInt32()
	item.ContextID = d.ReadByte()
	header := d.ReadByte()
	item.Command = (header&1 != 0)
	item.Last = (header&2 != 0)
	if header&0xfc != 0 {
		d.SetError(fmt.Errorf("PDV: illegal message control header byte %x", header))
	}
	item.Value = d.ReadBytes(int(length - 2)) // less contextID and header
	return item
}

func (v *PresentationDataValueItem) Write(e *dicomio.Encoder) {
	var header byte
	if v.Command {
		header |= 1
	}
	if v.Last {
		header |= 2
	}
	e.WriteUInt32(uint32(2 + len(v.Value)))
	e.WriteByte(v.ContextID)
	e.WriteByte(header)
	e.WriteBytes(v.Value)
}

func (v *PresentationDataValueItem) String() string {
	return fmt.Sprintf("presentationdatavalue{context: %d, cmd:%v last:%v value: %d bytes}",
		v.ContextID, v.Command, v.Last, len(v.Value))
}

// EncodePDU serializes "pdu" into the on-wire format, 6-byte header included.
func EncodePDU(pdu PDU) ([]byte, error) {
	var pduType Type
	switch n := pdu.(type) {
	case *AAssociate:
		pduType = n.Type
	case *AAssociateRj:
		pduType = TypeAAssociateRj
	case *PDataTf:
		pduType = TypePDataTf
	case *AReleaseRq:
		pduType = TypeAReleaseRq
	case *AReleaseRp:
		pduType = TypeAReleaseRp
	case *AAbort:
		pduType = TypeAAbort
	default:
		return nil, fmt.Errorf("EncodePDU: unknown PDU %v", pdu)
	}
	e := dicomio.NewBytesEncoder(binary.BigEndian, dicomio.UnknownVR)
	pdu.WritePayload(e)
	if err := e.Error(); err != nil {
		return nil, err
	}
	payload := e.Bytes()
	var header [6]byte
	header[0] = byte(pduType)
	header[1] = 0 // Reserved.
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))
	return append(header[:], payload...), nil
}

// ReadPDU reads one PDU from "in". maxPDUSize bounds the length field; a PDU
// claiming to be much larger is treated as a framing error.
func ReadPDU(in io.Reader, maxPDUSize int) (PDU, error) {
	var pduType Type
	var skip byte
	var length uint32
	if err := binary.Read(in, binary.BigEndian, &pduType); err != nil {
		return nil, err
	}
	if err := binary.Read(in, binary.BigEndian, &skip); err != nil {
		return nil, err
	}
	if err := binary.Read(in, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length >= uint32(maxPDUSize)*2 {
		// *2 is an arbitrary slack over the negotiated maximum.
		return nil, fmt.Errorf("pdu length %d exceeds max PDU size %d", length, maxPDUSize)
	}
	d := dicomio.NewDecoder(in,
		binary.BigEndian,  // PDU headers are always big endian.
		dicomio.UnknownVR) // Irrelevant for PDU parsing.
	d.PushLimit(int64(length))
	var pdu PDU
	switch pduType {
	case TypeAAssociateRq, TypeAAssociateAc:
		pdu = decodeAAssociate(d, pduType)
	case TypeAAssociateRj:
		pdu = decodeAAssociateRj(d)
	case TypeAAbort:
		pdu = decodeAAbort(d)
	case TypePDataTf:
		pdu = decodePDataTf(d)
	case TypeAReleaseRq:
		pdu = decodeAReleaseRq(d)
	case TypeAReleaseRp:
		pdu = decodeAReleaseRp(d)
	}
	if pdu == nil {
		return nil, fmt.Errorf("ReadPDU: unknown PDU type %d", pduType)
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return pdu, nil
}

type AReleaseRq struct{}

func decodeAReleaseRq(d *dicomio.Decoder) *AReleaseRq {
	d.Skip(4)
	return &AReleaseRq{}
}

func (pdu *AReleaseRq) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(4)
}

func (pdu *AReleaseRq) String() string {
	return "A_RELEASE_RQ"
}

type AReleaseRp struct{}

func decodeAReleaseRp(d *dicomio.Decoder) *AReleaseRp {
	d.Skip(4)
	return &AReleaseRp{}
}

func (pdu *AReleaseRp) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(4)
}

func (pdu *AReleaseRp) String() string {
	return "A_RELEASE_RP"
}

func subItemListString(items []SubItem) string {
	buf := bytes.Buffer{}
	buf.WriteString("[")
	for i, subitem := range items {
		if i > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(subitem.String())
	}
	buf.WriteString("]")
	return buf.String()
}

const CurrentProtocolVersion uint16 = 1

// AAssociate defines A-ASSOCIATE-{RQ,AC}. P3.8 9.3.2 and 9.3.3.
type AAssociate struct {
	Type            Type // TypeAAssociateRq or TypeAAssociateAc.
	ProtocolVersion uint16
	// For AC, the two titles are copied from the RQ.
	CalledAETitle  string
	CallingAETitle string
	Items          []SubItem
}

func decodeAAssociate(d *dicomio.Decoder, pduType Type) *AAssociate {
	pdu := &AAssociate{Type: pduType}
	pdu.ProtocolVersion = d.ReadUInt16()
	d.Skip(2) // Reserved.
	pdu.CalledAETitle = d.ReadString(16)
	pdu.CallingAETitle = d.ReadString(16)
	d.Skip(8 * 4)
	for !d.EOF() {
		item := decodeSubItem(d)
		if d.Error() != nil {
			break
		}
		pdu.Items = append(pdu.Items, item)
	}
	if pdu.CalledAETitle == "" || pdu.CallingAETitle == "" {
		d.SetError(fmt.Errorf("A_ASSOCIATE called/calling AE titles must not be empty: %v", pdu.String()))
	}
	return pdu
}

func (pdu *AAssociate) WritePayload(e *dicomio.Encoder) {
	if pdu.Type == 0 || pdu.CalledAETitle == "" || pdu.CallingAETitle == "" {
		e.SetError(fmt.Errorf("incomplete A_ASSOCIATE: %+v", *pdu))
		return
	}
	e.WriteUInt16(pdu.ProtocolVersion)
	e.WriteZeros(2) // Reserved.
	e.WriteString(padAETitle(pdu.CalledAETitle))
	e.WriteString(padAETitle(pdu.CallingAETitle))
	e.WriteZeros(8 * 4)
	for _, item := range pdu.Items {
		item.Write(e)
	}
}

func (pdu *AAssociate) String() string {
	name := "AC"
	if pdu.Type == TypeAAssociateRq {
		name = "RQ"
	}
	return fmt.Sprintf("A_ASSOCIATE_%s{version:%v called:%q calling:%q items:%s}",
		name, pdu.ProtocolVersion,
		pdu.CalledAETitle, pdu.CallingAETitle, subItemListString(pdu.Items))
}

// AAssociateRj; P3.8 9.3.4.
type AAssociateRj struct {
	Result byte
	Source byte
	Reason byte
}

// Possible values for AAssociateRj.Result.
const (
	ResultRejectedPermanent = 1
	ResultRejectedTransient = 2
)

// Possible values for AAssociateRj.Source.
const (
	SourceULServiceUser                 = 1
	SourceULServiceProviderACSE         = 2
	SourceULServiceProviderPresentation = 3
)

// Possible values for AAssociateRj.Reason when Source is the service user.
const (
	ReasonNone                               = 1
	ReasonApplicationContextNameNotSupported = 2
	ReasonCallingAETitleNotRecognized        = 3
	ReasonCalledAETitleNotRecognized         = 7
)

func decodeAAssociateRj(d *dicomio.Decoder) *AAssociateRj {
	pdu := &AAssociateRj{}
	d.Skip(1) // Reserved.
	pdu.Result = d.ReadByte()
	pdu.Source = d.ReadByte()
	pdu.Reason = d.ReadByte()
	return pdu
}

func (pdu *AAssociateRj) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(1)
	e.WriteByte(pdu.Result)
	e.WriteByte(pdu.Source)
	e.WriteByte(pdu.Reason)
}

func (pdu *AAssociateRj) String() string {
	result := "transient"
	if pdu.Result == ResultRejectedPermanent {
		result = "permanent"
	}
	reason := fmt.Sprintf("reason %d", pdu.Reason)
	if pdu.Source == SourceULServiceUser {
		switch pdu.Reason {
		case ReasonApplicationContextNameNotSupported:
			reason = "application context name not supported"
		case ReasonCallingAETitleNotRecognized:
			reason = "calling AE title not recognized"
		case ReasonCalledAETitleNotRecognized:
			reason = "called AE title not recognized"
		}
	}
	return fmt.Sprintf("A_ASSOCIATE_RJ{%s, source %d, %s}", result, pdu.Source, reason)
}

// Possible values for AAbort.Source.
const (
	AbortSourceServiceUser     = 0
	AbortSourceServiceProvider = 2
)

// Possible values for AAbort.Reason.
const (
	AbortReasonNotSpecified       = 0
	AbortReasonUnrecognizedPDU    = 1
	AbortReasonUnexpectedPDU      = 2
	AbortReasonInvalidPDUParamter = 6
)

type AAbort struct {
	Source byte
	Reason byte
}

func decodeAAbort(d *dicomio.Decoder) *AAbort {
	pdu := &AAbort{}
	d.Skip(2)
	pdu.Source = d.ReadByte()
	pdu.Reason = d.ReadByte()
	return pdu
}

func (pdu *AAbort) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(2)
	e.WriteByte(pdu.Source)
	e.WriteByte(pdu.Reason)
}

func (pdu *AAbort) String() string {
	return fmt.Sprintf("A_ABORT{source:%d reason:%d}", pdu.Source, pdu.Reason)
}

type PDataTf struct {
	Items []PresentationDataValueItem
}

func decodePDataTf(d *dicomio.Decoder) *PDataTf {
	pdu := &PDataTf{}
	for !d.EOF() {
		item := ReadPresentationDataValueItem(d)
		if d.Error() != nil {
			break
		}
		pdu.Items = append(pdu.Items, item)
	}
	return pdu
}

func (pdu *PDataTf) WritePayload(e *dicomio.Encoder) {
	for _, item := range pdu.Items {
		item.Write(e)
	}
}

func (pdu *PDataTf) String() string {
	buf := bytes.Buffer{}
	buf.WriteString("P_DATA_TF{items: [")
	for i, item := range pdu.Items {
		if i > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(item.String())
	}
	buf.WriteString("]}")
	return buf.String()
}

// padAETitle pads an AE title with spaces to the fixed 16-byte field width.
func padAETitle(v string) string {
	if len(v) > 16 {
		return v[:16]
	}
	for len(v) < 16 {
		v += " "
	}
	return v
}
