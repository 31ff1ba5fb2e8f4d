package dimse

// Per-verb message definitions; P3.7 9.3.

import (
	"fmt"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
)

type C_STORE_RQ struct {
	AffectedSOPClassUID                  string
	MessageID                            uint16
	Priority                             uint16
	CommandDataSetType                   uint16
	AffectedSOPInstanceUID               string
	MoveOriginatorApplicationEntityTitle string
	MoveOriginatorMessageID              uint16
	Extra                                []*dicom.Element // Unparsed elements
}

func (v *C_STORE_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicomtag.CommandField, uint16(CommandFieldCStoreRq))
	encodeField(e, dicomtag.AffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicomtag.MessageID, v.MessageID)
	encodeField(e, dicomtag.Priority, v.Priority)
	encodeField(e, dicomtag.CommandDataSetType, v.CommandDataSetType)
	encodeField(e, dicomtag.AffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	if v.MoveOriginatorApplicationEntityTitle != "" {
		encodeField(e, dicomtag.MoveOriginatorApplicationEntityTitle, v.MoveOriginatorApplicationEntityTitle)
	}
	if v.MoveOriginatorMessageID != 0 {
		encodeField(e, dicomtag.MoveOriginatorMessageID, v.MoveOriginatorMessageID)
	}
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_STORE_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_STORE_RQ) CommandField() CommandField {
	return CommandFieldCStoreRq
}

func (v *C_STORE_RQ) GetMessageID() uint16 {
	return v.MessageID
}

func (v *C_STORE_RQ) GetStatus() *Status {
	return nil
}

func (v *C_STORE_RQ) String() string {
	return fmt.Sprintf("C_STORE_RQ{AffectedSOPClassUID:%v MessageID:%v Priority:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v MoveOriginatorApplicationEntityTitle:%v MoveOriginatorMessageID:%v}", v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.MoveOriginatorApplicationEntityTitle, v.MoveOriginatorMessageID)
}

func decodeC_STORE_RQ(d *messageDecoder) *C_STORE_RQ {
	v := &C_STORE_RQ{}
	v.AffectedSOPClassUID = d.getString(dicomtag.AffectedSOPClassUID, requiredElement)
	v.MessageID = d.getUInt16(dicomtag.MessageID, requiredElement)
	v.Priority = d.getUInt16(dicomtag.Priority, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicomtag.CommandDataSetType, requiredElement)
	v.AffectedSOPInstanceUID = d.getString(dicomtag.AffectedSOPInstanceUID, requiredElement)
	v.MoveOriginatorApplicationEntityTitle = d.getString(dicomtag.MoveOriginatorApplicationEntityTitle, optionalElement)
	v.MoveOriginatorMessageID = d.getUInt16(dicomtag.MoveOriginatorMessageID, optionalElement)
	v.Extra = d.unparsedElements()
	return v
}

type C_STORE_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	AffectedSOPInstanceUID    string
	Status                    Status
	Extra                     []*dicom.Element // Unparsed elements
}

func (v *C_STORE_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicomtag.CommandField, uint16(CommandFieldCStoreRsp))
	encodeField(e, dicomtag.AffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicomtag.MessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicomtag.CommandDataSetType, v.CommandDataSetType)
	encodeField(e, dicomtag.AffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_STORE_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_STORE_RSP) CommandField() CommandField {
	return CommandFieldCStoreRsp
}

func (v *C_STORE_RSP) GetMessageID() uint16 {
	return v.MessageIDBeingRespondedTo
}

func (v *C_STORE_RSP) GetStatus() *Status {
	return &v.Status
}

func (v *C_STORE_RSP) String() string {
	return fmt.Sprintf("C_STORE_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v Status:%v}", v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.Status)
}

func decodeC_STORE_RSP(d *messageDecoder) *C_STORE_RSP {
	v := &C_STORE_RSP{}
	v.AffectedSOPClassUID = d.getString(dicomtag.AffectedSOPClassUID, requiredElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(dicomtag.MessageIDBeingRespondedTo, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicomtag.CommandDataSetType, requiredElement)
	v.AffectedSOPInstanceUID = d.getString(dicomtag.AffectedSOPInstanceUID, requiredElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

type C_FIND_RQ struct {
	AffectedSOPClassUID string
	MessageID           uint16
	Priority            uint16
	CommandDataSetType  uint16
	Extra               []*dicom.Element // Unparsed elements
}

func (v *C_FIND_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicomtag.CommandField, uint16(CommandFieldCFindRq))
	encodeField(e, dicomtag.AffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicomtag.MessageID, v.MessageID)
	encodeField(e, dicomtag.Priority, v.Priority)
	encodeField(e, dicomtag.CommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_FIND_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_FIND_RQ) CommandField() CommandField {
	return CommandFieldCFindRq
}

func (v *C_FIND_RQ) GetMessageID() uint16 {
	return v.MessageID
}

func (v *C_FIND_RQ) GetStatus() *Status {
	return nil
}

func (v *C_FIND_RQ) String() string {
	return fmt.Sprintf("C_FIND_RQ{AffectedSOPClassUID:%v MessageID:%v Priority:%v CommandDataSetType:%v}", v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType)
}

func decodeC_FIND_RQ(d *messageDecoder) *C_FIND_RQ {
	v := &C_FIND_RQ{}
	v.AffectedSOPClassUID = d.getString(dicomtag.AffectedSOPClassUID, requiredElement)
	v.MessageID = d.getUInt16(dicomtag.MessageID, requiredElement)
	v.Priority = d.getUInt16(dicomtag.Priority, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicomtag.CommandDataSetType, requiredElement)
	v.Extra = d.unparsedElements()
	return v
}

type C_FIND_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	Status                    Status
	Extra                     []*dicom.Element // Unparsed elements
}

func (v *C_FIND_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicomtag.CommandField, uint16(CommandFieldCFindRsp))
	encodeField(e, dicomtag.AffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicomtag.MessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicomtag.CommandDataSetType, v.CommandDataSetType)
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_FIND_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_FIND_RSP) CommandField() CommandField {
	return CommandFieldCFindRsp
}

func (v *C_FIND_RSP) GetMessageID() uint16 {
	return v.MessageIDBeingRespondedTo
}

func (v *C_FIND_RSP) GetStatus() *Status {
	return &v.Status
}

func (v *C_FIND_RSP) String() string {
	return fmt.Sprintf("C_FIND_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v Status:%v}", v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.Status)
}

func decodeC_FIND_RSP(d *messageDecoder) *C_FIND_RSP {
	v := &C_FIND_RSP{}
	v.AffectedSOPClassUID = d.getString(dicomtag.AffectedSOPClassUID, requiredElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(dicomtag.MessageIDBeingRespondedTo, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicomtag.CommandDataSetType, requiredElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

type C_GET_RQ struct {
	AffectedSOPClassUID string
	MessageID           uint16
	Priority            uint16
	CommandDataSetType  uint16
	Extra               []*dicom.Element // Unparsed elements
}

func (v *C_GET_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicomtag.CommandField, uint16(CommandFieldCGetRq))
	encodeField(e, dicomtag.AffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicomtag.MessageID, v.MessageID)
	encodeField(e, dicomtag.Priority, v.Priority)
	encodeField(e, dicomtag.CommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_GET_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_GET_RQ) CommandField() CommandField {
	return CommandFieldCGetRq
}

func (v *C_GET_RQ) GetMessageID() uint16 {
	return v.MessageID
}

func (v *C_GET_RQ) GetStatus() *Status {
	return nil
}

func (v *C_GET_RQ) String() string {
	return fmt.Sprintf("C_GET_RQ{AffectedSOPClassUID:%v MessageID:%v Priority:%v CommandDataSetType:%v}", v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType)
}

func decodeC_GET_RQ(d *messageDecoder) *C_GET_RQ {
	v := &C_GET_RQ{}
	v.AffectedSOPClassUID = d.getString(dicomtag.AffectedSOPClassUID, requiredElement)
	v.MessageID = d.getUInt16(dicomtag.MessageID, requiredElement)
	v.Priority = d.getUInt16(dicomtag.Priority, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicomtag.CommandDataSetType, requiredElement)
	v.Extra = d.unparsedElements()
	return v
}

type C_GET_RSP struct {
	AffectedSOPClassUID            string
	MessageIDBeingRespondedTo      uint16
	CommandDataSetType             uint16
	NumberOfRemainingSuboperations uint16
	NumberOfCompletedSuboperations uint16
	NumberOfFailedSuboperations    uint16
	NumberOfWarningSuboperations   uint16
	Status                         Status
	Extra                          []*dicom.Element // Unparsed elements
}

func (v *C_GET_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicomtag.CommandField, uint16(CommandFieldCGetRsp))
	encodeField(e, dicomtag.AffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicomtag.MessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicomtag.CommandDataSetType, v.CommandDataSetType)
	if v.NumberOfRemainingSuboperations != 0 {
		encodeField(e, dicomtag.NumberOfRemainingSuboperations, v.NumberOfRemainingSuboperations)
	}
	if v.NumberOfCompletedSuboperations != 0 {
		encodeField(e, dicomtag.NumberOfCompletedSuboperations, v.NumberOfCompletedSuboperations)
	}
	if v.NumberOfFailedSuboperations != 0 {
		encodeField(e, dicomtag.NumberOfFailedSuboperations, v.NumberOfFailedSuboperations)
	}
	if v.NumberOfWarningSuboperations != 0 {
		encodeField(e, dicomtag.NumberOfWarningSuboperations, v.NumberOfWarningSuboperations)
	}
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_GET_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_GET_RSP) CommandField() CommandField {
	return CommandFieldCGetRsp
}

func (v *C_GET_RSP) GetMessageID() uint16 {
	return v.MessageIDBeingRespondedTo
}

func (v *C_GET_RSP) GetStatus() *Status {
	return &v.Status
}

func (v *C_GET_RSP) String() string {
	return fmt.Sprintf("C_GET_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v NumberOfRemainingSuboperations:%v NumberOfCompletedSuboperations:%v NumberOfFailedSuboperations:%v NumberOfWarningSuboperations:%v Status:%v}", v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.NumberOfRemainingSuboperations, v.NumberOfCompletedSuboperations, v.NumberOfFailedSuboperations, v.NumberOfWarningSuboperations, v.Status)
}

func decodeC_GET_RSP(d *messageDecoder) *C_GET_RSP {
	v := &C_GET_RSP{}
	v.AffectedSOPClassUID = d.getString(dicomtag.AffectedSOPClassUID, requiredElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(dicomtag.MessageIDBeingRespondedTo, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicomtag.CommandDataSetType, requiredElement)
	v.NumberOfRemainingSuboperations = d.getUInt16(dicomtag.NumberOfRemainingSuboperations, optionalElement)
	v.NumberOfCompletedSuboperations = d.getUInt16(dicomtag.NumberOfCompletedSuboperations, optionalElement)
	v.NumberOfFailedSuboperations = d.getUInt16(dicomtag.NumberOfFailedSuboperations, optionalElement)
	v.NumberOfWarningSuboperations = d.getUInt16(dicomtag.NumberOfWarningSuboperations, optionalElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

type C_MOVE_RQ struct {
	AffectedSOPClassUID string
	MessageID           uint16
	Priority            uint16
	MoveDestination     string
	CommandDataSetType  uint16
	Extra               []*dicom.Element // Unparsed elements
}

func (v *C_MOVE_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicomtag.CommandField, uint16(CommandFieldCMoveRq))
	encodeField(e, dicomtag.AffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicomtag.MessageID, v.MessageID)
	encodeField(e, dicomtag.Priority, v.Priority)
	encodeField(e, dicomtag.MoveDestination, v.MoveDestination)
	encodeField(e, dicomtag.CommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_MOVE_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_MOVE_RQ) CommandField() CommandField {
	return CommandFieldCMoveRq
}

func (v *C_MOVE_RQ) GetMessageID() uint16 {
	return v.MessageID
}

func (v *C_MOVE_RQ) GetStatus() *Status {
	return nil
}

func (v *C_MOVE_RQ) String() string {
	return fmt.Sprintf("C_MOVE_RQ{AffectedSOPClassUID:%v MessageID:%v Priority:%v MoveDestination:%v CommandDataSetType:%v}", v.AffectedSOPClassUID, v.MessageID, v.Priority, v.MoveDestination, v.CommandDataSetType)
}

func decodeC_MOVE_RQ(d *messageDecoder) *C_MOVE_RQ {
	v := &C_MOVE_RQ{}
	v.AffectedSOPClassUID = d.getString(dicomtag.AffectedSOPClassUID, requiredElement)
	v.MessageID = d.getUInt16(dicomtag.MessageID, requiredElement)
	v.Priority = d.getUInt16(dicomtag.Priority, requiredElement)
	v.MoveDestination = d.getString(dicomtag.MoveDestination, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicomtag.CommandDataSetType, requiredElement)
	v.Extra = d.unparsedElements()
	return v
}

type C_MOVE_RSP struct {
	AffectedSOPClassUID            string
	MessageIDBeingRespondedTo      uint16
	CommandDataSetType             uint16
	NumberOfRemainingSuboperations uint16
	NumberOfCompletedSuboperations uint16
	NumberOfFailedSuboperations    uint16
	NumberOfWarningSuboperations   uint16
	Status                         Status
	Extra                          []*dicom.Element // Unparsed elements
}

func (v *C_MOVE_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicomtag.CommandField, uint16(CommandFieldCMoveRsp))
	encodeField(e, dicomtag.AffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicomtag.MessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicomtag.CommandDataSetType, v.CommandDataSetType)
	if v.NumberOfRemainingSuboperations != 0 {
		encodeField(e, dicomtag.NumberOfRemainingSuboperations, v.NumberOfRemainingSuboperations)
	}
	if v.NumberOfCompletedSuboperations != 0 {
		encodeField(e, dicomtag.NumberOfCompletedSuboperations, v.NumberOfCompletedSuboperations)
	}
	if v.NumberOfFailedSuboperations != 0 {
		encodeField(e, dicomtag.NumberOfFailedSuboperations, v.NumberOfFailedSuboperations)
	}
	if v.NumberOfWarningSuboperations != 0 {
		encodeField(e, dicomtag.NumberOfWarningSuboperations, v.NumberOfWarningSuboperations)
	}
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_MOVE_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_MOVE_RSP) CommandField() CommandField {
	return CommandFieldCMoveRsp
}

func (v *C_MOVE_RSP) GetMessageID() uint16 {
	return v.MessageIDBeingRespondedTo
}

func (v *C_MOVE_RSP) GetStatus() *Status {
	return &v.Status
}

func (v *C_MOVE_RSP) String() string {
	return fmt.Sprintf("C_MOVE_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v NumberOfRemainingSuboperations:%v NumberOfCompletedSuboperations:%v NumberOfFailedSuboperations:%v NumberOfWarningSuboperations:%v Status:%v}", v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.NumberOfRemainingSuboperations, v.NumberOfCompletedSuboperations, v.NumberOfFailedSuboperations, v.NumberOfWarningSuboperations, v.Status)
}

func decodeC_MOVE_RSP(d *messageDecoder) *C_MOVE_RSP {
	v := &C_MOVE_RSP{}
	v.AffectedSOPClassUID = d.getString(dicomtag.AffectedSOPClassUID, requiredElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(dicomtag.MessageIDBeingRespondedTo, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicomtag.CommandDataSetType, requiredElement)
	v.NumberOfRemainingSuboperations = d.getUInt16(dicomtag.NumberOfRemainingSuboperations, optionalElement)
	v.NumberOfCompletedSuboperations = d.getUInt16(dicomtag.NumberOfCompletedSuboperations, optionalElement)
	v.NumberOfFailedSuboperations = d.getUInt16(dicomtag.NumberOfFailedSuboperations, optionalElement)
	v.NumberOfWarningSuboperations = d.getUInt16(dicomtag.NumberOfWarningSuboperations, optionalElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

type C_ECHO_RQ struct {
	MessageID          uint16
	CommandDataSetType uint16
	Extra              []*dicom.Element // Unparsed elements
}

func (v *C_ECHO_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicomtag.CommandField, uint16(CommandFieldCEchoRq))
	encodeField(e, dicomtag.MessageID, v.MessageID)
	encodeField(e, dicomtag.CommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_ECHO_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_ECHO_RQ) CommandField() CommandField {
	return CommandFieldCEchoRq
}

func (v *C_ECHO_RQ) GetMessageID() uint16 {
	return v.MessageID
}

func (v *C_ECHO_RQ) GetStatus() *Status {
	return nil
}

func (v *C_ECHO_RQ) String() string {
	return fmt.Sprintf("C_ECHO_RQ{MessageID:%v CommandDataSetType:%v}", v.MessageID, v.CommandDataSetType)
}

func decodeC_ECHO_RQ(d *messageDecoder) *C_ECHO_RQ {
	v := &C_ECHO_RQ{}
	v.MessageID = d.getUInt16(dicomtag.MessageID, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicomtag.CommandDataSetType, requiredElement)
	v.Extra = d.unparsedElements()
	return v
}

type C_ECHO_RSP struct {
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	Status                    Status
	Extra                     []*dicom.Element // Unparsed elements
}

func (v *C_ECHO_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicomtag.CommandField, uint16(CommandFieldCEchoRsp))
	encodeField(e, dicomtag.MessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicomtag.CommandDataSetType, v.CommandDataSetType)
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_ECHO_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_ECHO_RSP) CommandField() CommandField {
	return CommandFieldCEchoRsp
}

func (v *C_ECHO_RSP) GetMessageID() uint16 {
	return v.MessageIDBeingRespondedTo
}

func (v *C_ECHO_RSP) GetStatus() *Status {
	return &v.Status
}

func (v *C_ECHO_RSP) String() string {
	return fmt.Sprintf("C_ECHO_RSP{MessageIDBeingRespondedTo:%v CommandDataSetType:%v Status:%v}", v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.Status)
}

func decodeC_ECHO_RSP(d *messageDecoder) *C_ECHO_RSP {
	v := &C_ECHO_RSP{}
	v.MessageIDBeingRespondedTo = d.getUInt16(dicomtag.MessageIDBeingRespondedTo, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicomtag.CommandDataSetType, requiredElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

// C_CANCEL_RQ asks the peer to stop a pending C-FIND/C-GET/C-MOVE. It is
// routed by MessageIDBeingRespondedTo; P3.7 9.3.2.3.
type C_CANCEL_RQ struct {
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	Extra                     []*dicom.Element // Unparsed elements
}

func (v *C_CANCEL_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicomtag.CommandField, uint16(CommandFieldCCancelRq))
	encodeField(e, dicomtag.MessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicomtag.CommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_CANCEL_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_CANCEL_RQ) CommandField() CommandField {
	return CommandFieldCCancelRq
}

func (v *C_CANCEL_RQ) GetMessageID() uint16 {
	return v.MessageIDBeingRespondedTo
}

func (v *C_CANCEL_RQ) GetStatus() *Status {
	return nil
}

func (v *C_CANCEL_RQ) String() string {
	return fmt.Sprintf("C_CANCEL_RQ{MessageIDBeingRespondedTo:%v CommandDataSetType:%v}", v.MessageIDBeingRespondedTo, v.CommandDataSetType)
}

func decodeC_CANCEL_RQ(d *messageDecoder) *C_CANCEL_RQ {
	v := &C_CANCEL_RQ{}
	v.MessageIDBeingRespondedTo = d.getUInt16(dicomtag.MessageIDBeingRespondedTo, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicomtag.CommandDataSetType, requiredElement)
	v.Extra = d.unparsedElements()
	return v
}

func decodeMessageForType(d *messageDecoder, commandField CommandField) Message {
	switch commandField {
	case CommandFieldCStoreRq:
		return decodeC_STORE_RQ(d)
	case CommandFieldCStoreRsp:
		return decodeC_STORE_RSP(d)
	case CommandFieldCFindRq:
		return decodeC_FIND_RQ(d)
	case CommandFieldCFindRsp:
		return decodeC_FIND_RSP(d)
	case CommandFieldCGetRq:
		return decodeC_GET_RQ(d)
	case CommandFieldCGetRsp:
		return decodeC_GET_RSP(d)
	case CommandFieldCMoveRq:
		return decodeC_MOVE_RQ(d)
	case CommandFieldCMoveRsp:
		return decodeC_MOVE_RSP(d)
	case CommandFieldCEchoRq:
		return decodeC_ECHO_RQ(d)
	case CommandFieldCEchoRsp:
		return decodeC_ECHO_RSP(d)
	case CommandFieldCCancelRq:
		return decodeC_CANCEL_RQ(d)
	default:
		d.setError(fmt.Errorf("dimse: unknown command field 0x%x", uint16(commandField)))
		return nil
	}
}
