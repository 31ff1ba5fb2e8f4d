package dimse

// Implements the DIMSE message layer, P3.7.
//
// http://dicom.nema.org/medical/dicom/current/output/pdf/part07.pdf

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/openradx/dcmnet/pdu"
	"v.io/x/lib/vlog"
)

// Message is the common interface for all C-XXX message types.
type Message interface {
	fmt.Stringer
	Encode(*dicomio.Encoder)
	// HasData is true iff P_DATA_TF data fragments follow the command
	// fragments.
	HasData() bool
	// CommandField returns the verb code, e.g. CommandFieldCStoreRq.
	CommandField() CommandField
	// GetMessageID returns MessageID for requests and
	// MessageIDBeingRespondedTo for responses.
	GetMessageID() uint16
	// GetStatus returns the status for responses, nil for requests.
	GetStatus() *Status
}

// CommandField enumerates the DIMSE verbs; P3.7 E.1-1 (0000,0100).
type CommandField uint16

const (
	CommandFieldCStoreRq  CommandField = 0x0001
	CommandFieldCStoreRsp CommandField = 0x8001
	CommandFieldCGetRq    CommandField = 0x0010
	CommandFieldCGetRsp   CommandField = 0x8010
	CommandFieldCFindRq   CommandField = 0x0020
	CommandFieldCFindRsp  CommandField = 0x8020
	CommandFieldCMoveRq   CommandField = 0x0021
	CommandFieldCMoveRsp  CommandField = 0x8021
	CommandFieldCEchoRq   CommandField = 0x0030
	CommandFieldCEchoRsp  CommandField = 0x8030
	CommandFieldCCancelRq CommandField = 0x0fff
)

// StatusCode is the value of the (0000,0900) Status field.
type StatusCode uint16

// Status codes, P3.7 Annex C and P3.4 service-specific annexes.
const (
	StatusSuccess StatusCode = 0x0000

	StatusCancel                StatusCode = 0xfe00
	StatusPending               StatusCode = 0xff00
	StatusPendingWarning        StatusCode = 0xff01
	StatusSOPClassNotSupported  StatusCode = 0x0122
	StatusNotAuthorized         StatusCode = 0x0124
	StatusProcessingFailure     StatusCode = 0x0110
	StatusUnrecognizedOperation StatusCode = 0x0211

	// C-STORE specific; P3.4 GG4-1.
	CStoreOutOfResources              StatusCode = 0xa700
	CStoreDataSetDoesNotMatchSOPClass StatusCode = 0xa900
	CStoreCannotUnderstand            StatusCode = 0xc000

	// Warning class; data was accepted with coercion or element loss.
	WarningCoercionOfDataElements StatusCode = 0xb000
	WarningElementsDiscarded      StatusCode = 0xb006
	WarningDataSetDoesNotMatch    StatusCode = 0xb007

	// C-FIND/C-GET/C-MOVE failure.
	CFindUnableToProcess StatusCode = 0xc000
)

// Status is the result reported in a DIMSE response.
type Status struct {
	Status StatusCode

	// ErrorComment is attached to non-success responses when nonempty.
	ErrorComment string
}

// IsPending is true for the two pending codes that keep a command alive.
func (s Status) IsPending() bool {
	return s.Status == StatusPending || s.Status == StatusPendingWarning
}

func (s Status) String() string {
	if s.ErrorComment != "" {
		return fmt.Sprintf("0x%04x(%s)", uint16(s.Status), s.ErrorComment)
	}
	return fmt.Sprintf("0x%04x", uint16(s.Status))
}

func encodeStatus(e *dicomio.Encoder, s Status) {
	encodeField(e, dicomtag.Status, uint16(s.Status))
	if s.ErrorComment != "" {
		encodeField(e, dicomtag.ErrorComment, s.ErrorComment)
	}
}

// messageDecoder extracts typed values from a decoded command set and tracks
// which elements were consumed.
type messageDecoder struct {
	elems  []*dicom.Element
	parsed []bool
	err    error
}

type isOptionalElement int

const (
	requiredElement isOptionalElement = iota
	optionalElement
)

func (d *messageDecoder) setError(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *messageDecoder) findElement(tag dicomtag.Tag, optional isOptionalElement) *dicom.Element {
	for i, elem := range d.elems {
		if elem.Tag == tag {
			d.parsed[i] = true
			return elem
		}
	}
	if optional == requiredElement {
		d.setError(fmt.Errorf("dimse: element %s not found", tag.String()))
	}
	return nil
}

// unparsedElements returns the elements not consumed by any getter so far.
func (d *messageDecoder) unparsedElements() []*dicom.Element {
	var unparsed []*dicom.Element
	for i, elem := range d.elems {
		if !d.parsed[i] {
			unparsed = append(unparsed, elem)
		}
	}
	return unparsed
}

func (d *messageDecoder) getStatus() Status {
	return Status{
		Status:       StatusCode(d.getUInt16(dicomtag.Status, requiredElement)),
		ErrorComment: d.getString(dicomtag.ErrorComment, optionalElement),
	}
}

func (d *messageDecoder) getString(tag dicomtag.Tag, optional isOptionalElement) string {
	e := d.findElement(tag, optional)
	if e == nil {
		return ""
	}
	v, err := e.GetString()
	if err != nil {
		d.setError(err)
	}
	return v
}

func (d *messageDecoder) getUInt16(tag dicomtag.Tag, optional isOptionalElement) uint16 {
	e := d.findElement(tag, optional)
	if e == nil {
		return 0
	}
	v, err := e.GetUInt16()
	if err != nil {
		d.setError(err)
	}
	return v
}

// encodeField writes a single-valued command-set element.
func encodeField(e *dicomio.Encoder, tag dicomtag.Tag, v interface{}) {
	dicom.WriteElement(e, dicom.MustNewElement(tag, v))
}

// CommandDataSetType (0000,0800) values; null means no dataset follows.
const (
	CommandDataSetTypeNull    uint16 = 0x101
	CommandDataSetTypeNonNull uint16 = 1
)

// Success is the canonical all-ok status.
var Success = Status{Status: StatusSuccess}

// ReadMessage decodes one DIMSE command set. Command sets are always implicit
// VR little endian; P3.7 6.3.1.
func ReadMessage(d *dicomio.Decoder) Message {
	var elems []*dicom.Element
	d.PushTransferSyntax(binary.LittleEndian, dicomio.ImplicitVR)
	defer d.PopTransferSyntax()
	for !d.EOF() {
		elem := dicom.ReadElement(d, dicom.ReadOptions{})
		if d.Error() != nil {
			break
		}
		elems = append(elems, elem)
	}

	dd := messageDecoder{elems: elems, parsed: make([]bool, len(elems))}
	commandField := dd.getUInt16(dicomtag.CommandField, requiredElement)
	if dd.err != nil {
		d.SetError(dd.err)
		return nil
	}
	v := decodeMessageForType(&dd, CommandField(commandField))
	if dd.err != nil {
		d.SetError(dd.err)
		return nil
	}
	return v
}

// EncodeMessage serializes "v" into "e", prefixed with CommandGroupLength.
func EncodeMessage(e *dicomio.Encoder, v Message) {
	subEncoder := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	v.Encode(subEncoder)
	if err := subEncoder.Error(); err != nil {
		e.SetError(err)
		return
	}
	bytes := subEncoder.Bytes()
	e.PushTransferSyntax(binary.LittleEndian, dicomio.ImplicitVR)
	defer e.PopTransferSyntax()
	encodeField(e, dicomtag.CommandGroupLength, uint32(len(bytes)))
	e.WriteBytes(bytes)
}

var nextMessageID uint32

// NewMessageID allocates a nonzero 16-bit message ID. IDs increase
// monotonically and wrap at 2^16-1. The allocator knows nothing about which
// IDs are in flight; callers on a long-lived association must check the
// returned ID against their active commands and retry on collision.
func NewMessageID() uint16 {
	for {
		id := uint16(atomic.AddUint32(&nextMessageID, 1))
		if id != 0 {
			return id
		}
	}
}

// CommandAssembler reassembles one DIMSE command and its data payload from a
// sequence of P_DATA_TF PDUs.
type CommandAssembler struct {
	contextID      byte
	commandBytes   []byte
	command        Message
	dataBytes      []byte
	readAllCommand bool
	readAllData    bool
}

// AddDataPDU adds one P_DATA_TF. When the final fragment arrives it returns
// <contextID, command, data, nil> and resets the assembler. While more
// fragments are pending it returns <0, nil, nil, nil>.
func (a *CommandAssembler) AddDataPDU(p *pdu.PDataTf) (byte, Message, []byte, error) {
	for _, item := range p.Items {
		if a.contextID == 0 {
			a.contextID = item.ContextID
		} else if a.contextID != item.ContextID {
			return 0, nil, nil, fmt.Errorf("dimse: mixed presentation contexts %d and %d in one message", a.contextID, item.ContextID)
		}
		if item.Command {
			if a.readAllData {
				return 0, nil, nil, fmt.Errorf("dimse: command fragment after the last data fragment")
			}
			a.commandBytes = append(a.commandBytes, item.Value...)
			if item.Last {
				if a.readAllCommand {
					return 0, nil, nil, fmt.Errorf("dimse: multiple command fragments with the Last bit set")
				}
				a.readAllCommand = true
			}
		} else {
			a.dataBytes = append(a.dataBytes, item.Value...)
			if item.Last {
				if a.readAllData {
					return 0, nil, nil, fmt.Errorf("dimse: multiple data fragments with the Last bit set")
				}
				a.readAllData = true
			}
		}
	}
	if !a.readAllCommand {
		return 0, nil, nil, nil
	}
	if a.command == nil {
		d := dicomio.NewBytesDecoder(a.commandBytes, nil, dicomio.UnknownVR)
		a.command = ReadMessage(d)
		if err := d.Finish(); err != nil {
			return 0, nil, nil, err
		}
		vlog.VI(2).Infof("dimse: assembled command %v", a.command)
	}
	if a.command.HasData() && !a.readAllData {
		return 0, nil, nil, nil
	}
	contextID := a.contextID
	command := a.command
	dataBytes := a.dataBytes
	*a = CommandAssembler{}
	return contextID, command, dataBytes, nil
}
