package dimse

import (
	"encoding/binary"
	"testing"

	"github.com/grailbio/go-dicom/dicomio"
	"github.com/openradx/dcmnet/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeAndRead(t *testing.T, m Message) Message {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	EncodeMessage(e, m)
	bytes := e.Bytes()
	require.NoError(t, e.Error())
	d := dicomio.NewBytesDecoder(bytes, nil, dicomio.UnknownVR)
	m2 := ReadMessage(d)
	require.NoError(t, d.Finish())
	return m2
}

func TestCStoreRoundTrip(t *testing.T) {
	in := &C_STORE_RQ{
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		MessageID:              0x1234,
		CommandDataSetType:     CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: "1.2.3.4.5",
	}
	out := encodeAndRead(t, in)
	got, ok := out.(*C_STORE_RQ)
	require.True(t, ok)
	assert.Equal(t, in.String(), got.String())
	assert.True(t, got.HasData())
	assert.Equal(t, uint16(0x1234), got.GetMessageID())
	assert.Nil(t, got.GetStatus())
}

func TestCStoreRspStatus(t *testing.T) {
	in := &C_STORE_RSP{
		AffectedSOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		MessageIDBeingRespondedTo: 7,
		CommandDataSetType:        CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    "1.2.3.4.5",
		Status:                    Status{Status: WarningElementsDiscarded, ErrorComment: "private groups removed"},
	}
	out := encodeAndRead(t, in)
	got, ok := out.(*C_STORE_RSP)
	require.True(t, ok)
	assert.False(t, got.HasData())
	require.NotNil(t, got.GetStatus())
	assert.Equal(t, WarningElementsDiscarded, got.GetStatus().Status)
	assert.Equal(t, "private groups removed", got.GetStatus().ErrorComment)
}

func TestCFindPending(t *testing.T) {
	in := &C_FIND_RSP{
		AffectedSOPClassUID:       "1.2.840.10008.5.1.4.1.2.2.1",
		MessageIDBeingRespondedTo: 3,
		CommandDataSetType:        CommandDataSetTypeNonNull,
		Status:                    Status{Status: StatusPending},
	}
	out := encodeAndRead(t, in)
	got := out.(*C_FIND_RSP)
	assert.True(t, got.GetStatus().IsPending())
}

func TestCMoveSuboperationCounters(t *testing.T) {
	in := &C_MOVE_RSP{
		AffectedSOPClassUID:            "1.2.840.10008.5.1.4.1.2.2.2",
		MessageIDBeingRespondedTo:      9,
		CommandDataSetType:             CommandDataSetTypeNull,
		NumberOfRemainingSuboperations: 2,
		NumberOfCompletedSuboperations: 5,
		NumberOfFailedSuboperations:    1,
		Status:                         Status{Status: StatusPending},
	}
	out := encodeAndRead(t, in)
	got := out.(*C_MOVE_RSP)
	assert.Equal(t, uint16(2), got.NumberOfRemainingSuboperations)
	assert.Equal(t, uint16(5), got.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(1), got.NumberOfFailedSuboperations)
	assert.Equal(t, uint16(0), got.NumberOfWarningSuboperations)
}

func TestCCancelRoundTrip(t *testing.T) {
	in := &C_CANCEL_RQ{
		MessageIDBeingRespondedTo: 11,
		CommandDataSetType:        CommandDataSetTypeNull,
	}
	out := encodeAndRead(t, in)
	got, ok := out.(*C_CANCEL_RQ)
	require.True(t, ok)
	assert.Equal(t, CommandFieldCCancelRq, got.CommandField())
	assert.Equal(t, uint16(11), got.GetMessageID())
}

func TestNewMessageIDNonzero(t *testing.T) {
	seen := map[uint16]bool{}
	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		require.NotZero(t, id)
		require.False(t, seen[id])
		seen[id] = true
	}
}

// Encode a message, split it into single-byte command fragments plus a data
// payload, and check that the assembler reproduces it.
func TestCommandAssembler(t *testing.T) {
	msg := &C_STORE_RQ{
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.4",
		MessageID:              5,
		CommandDataSetType:     CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: "1.2.3",
	}
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	EncodeMessage(e, msg)
	commandBytes := e.Bytes()
	require.NoError(t, e.Error())
	data := []byte{0xca, 0xfe, 0xf0, 0x0d}

	var a CommandAssembler
	for i, b := range commandBytes {
		last := i == len(commandBytes)-1
		contextID, cmd, _, err := a.AddDataPDU(&pdu.PDataTf{Items: []pdu.PresentationDataValueItem{
			{ContextID: 3, Command: true, Last: last, Value: []byte{b}},
		}})
		require.NoError(t, err)
		require.Equal(t, byte(0), contextID)
		require.Nil(t, cmd)
	}
	contextID, cmd, gotData, err := a.AddDataPDU(&pdu.PDataTf{Items: []pdu.PresentationDataValueItem{
		{ContextID: 3, Command: false, Last: true, Value: data},
	}})
	require.NoError(t, err)
	assert.Equal(t, byte(3), contextID)
	require.NotNil(t, cmd)
	assert.Equal(t, msg.String(), cmd.String())
	assert.Equal(t, data, gotData)

	// The assembler must be reusable after completing a message.
	contextID, cmd, _, err = a.AddDataPDU(&pdu.PDataTf{Items: []pdu.PresentationDataValueItem{
		{ContextID: 1, Command: true, Last: true, Value: commandBytes},
	}})
	require.NoError(t, err)
	assert.Equal(t, byte(1), contextID)
	require.NotNil(t, cmd)
}

func TestCommandAssemblerMixedContexts(t *testing.T) {
	var a CommandAssembler
	_, _, _, err := a.AddDataPDU(&pdu.PDataTf{Items: []pdu.PresentationDataValueItem{
		{ContextID: 1, Command: true, Last: false, Value: []byte{1}},
		{ContextID: 3, Command: true, Last: true, Value: []byte{2}},
	}})
	require.Error(t, err)
}

func TestCommandAssemblerCommandAfterData(t *testing.T) {
	var a CommandAssembler
	_, _, _, err := a.AddDataPDU(&pdu.PDataTf{Items: []pdu.PresentationDataValueItem{
		{ContextID: 1, Command: false, Last: true, Value: []byte{1}},
		{ContextID: 1, Command: true, Last: true, Value: []byte{2}},
	}})
	require.Error(t, err)
}
