package pdu

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeAndRead(t *testing.T, p PDU) PDU {
	data, err := EncodePDU(p)
	require.NoError(t, err)
	p2, err := ReadPDU(bytes.NewReader(data), 4<<20)
	require.NoError(t, err)
	return p2
}

func TestAAssociateRoundTrip(t *testing.T) {
	in := &AAssociate{
		Type:            TypeAAssociateRq,
		ProtocolVersion: CurrentProtocolVersion,
		CalledAETitle:   "server",
		CallingAETitle:  "client",
		Items: []SubItem{
			&ApplicationContextItem{Name: DICOMApplicationContextItemName},
			&PresentationContextItem{
				Type:      ItemTypePresentationContextRequest,
				ContextID: 1,
				Items: []SubItem{
					&AbstractSyntaxSubItem{Name: "1.2.840.10008.1.1"},
					&TransferSyntaxSubItem{Name: "1.2.840.10008.1.2"},
				},
			},
			&UserInformationItem{
				Items: []SubItem{
					&UserInformationMaximumLengthItem{MaximumLengthReceived: 16384},
					&ImplementationClassUIDSubItem{Name: "1.2.3.4"},
					&ImplementationVersionNameSubItem{Name: "dcmnet"},
					&RoleSelectionSubItem{SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", SCURole: 0, SCPRole: 1},
					&ExtendedNegotiationSubItem{SOPClassUID: "1.2.840.10008.5.1.4.1.2.2.1", Information: []byte{1, 1, 1}},
				},
			},
		},
	}
	out := encodeAndRead(t, in)
	got, ok := out.(*AAssociate)
	require.True(t, ok)
	// AE titles are space padded to 16 bytes on the wire.
	assert.Equal(t, "server          ", got.CalledAETitle)
	assert.Equal(t, "client          ", got.CallingAETitle)
	got.CalledAETitle = "server"
	got.CallingAETitle = "client"
	assert.Equal(t, in.String(), got.String())
}

func TestPDataTfRoundTrip(t *testing.T) {
	in := &PDataTf{Items: []PresentationDataValueItem{
		{ContextID: 1, Command: true, Last: false, Value: []byte{1, 2, 3}},
		{ContextID: 1, Command: false, Last: true, Value: []byte{4, 5}},
	}}
	out := encodeAndRead(t, in)
	got, ok := out.(*PDataTf)
	require.True(t, ok)
	require.Len(t, got.Items, 2)
	assert.True(t, got.Items[0].Command)
	assert.False(t, got.Items[0].Last)
	assert.Equal(t, []byte{1, 2, 3}, got.Items[0].Value)
	assert.False(t, got.Items[1].Command)
	assert.True(t, got.Items[1].Last)
}

func TestAAssociateRjRoundTrip(t *testing.T) {
	out := encodeAndRead(t, &AAssociateRj{
		Result: ResultRejectedPermanent,
		Source: SourceULServiceUser,
		Reason: ReasonCalledAETitleNotRecognized,
	})
	got, ok := out.(*AAssociateRj)
	require.True(t, ok)
	assert.Equal(t, byte(ResultRejectedPermanent), got.Result)
	assert.Equal(t, byte(ReasonCalledAETitleNotRecognized), got.Reason)
}

func TestAAbortRoundTrip(t *testing.T) {
	out := encodeAndRead(t, &AAbort{Source: AbortSourceServiceProvider, Reason: AbortReasonUnexpectedPDU})
	got, ok := out.(*AAbort)
	require.True(t, ok)
	assert.Equal(t, byte(AbortSourceServiceProvider), got.Source)
	assert.Equal(t, byte(AbortReasonUnexpectedPDU), got.Reason)
}

func TestReleaseRoundTrip(t *testing.T) {
	_, ok := encodeAndRead(t, &AReleaseRq{}).(*AReleaseRq)
	require.True(t, ok)
	_, ok = encodeAndRead(t, &AReleaseRp{}).(*AReleaseRp)
	require.True(t, ok)
}

func TestReadPDUOversizedLength(t *testing.T) {
	data, err := EncodePDU(&AReleaseRq{})
	require.NoError(t, err)
	// Patch the length field to exceed the sanity bound.
	data[2], data[3], data[4], data[5] = 0xff, 0xff, 0xff, 0xff
	_, err = ReadPDU(bytes.NewReader(data), 16384)
	require.Error(t, err)
}
