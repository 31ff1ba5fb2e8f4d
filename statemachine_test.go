package dcmnet

import (
	"testing"

	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openradx/dcmnet/sopclass"
)

func fragmentingMachine(t *testing.T, maxPDUSize int) (*stateMachine, string) {
	t.Helper()
	params, err := NewServiceUserParams("CALLED", "CALLING",
		sopclass.StorageClasses[:1], []string{dicomuid.ExplicitVRLittleEndian})
	require.NoError(t, err)
	requester, _ := negotiate(t, params)
	sm := &stateMachine{name: "test", cm: requester, maxPDUSize: maxPDUSize}
	return sm, sopclass.StorageClasses[0].UID
}

func TestSplitDataIntoPDUs(t *testing.T) {
	// 106-byte PDUs carry 100 bytes of payload after the 6-byte PDV
	// header, so 250 bytes fragment into 100+100+50.
	sm, classUID := fragmentingMachine(t, 106)
	data := make([]byte, 250)
	for i := range data {
		data[i] = byte(i)
	}
	pdus, err := splitDataIntoPDUs(sm, classUID, dicomuid.ExplicitVRLittleEndian, false, data)
	require.NoError(t, err)
	require.Len(t, pdus, 3)

	var reassembled []byte
	for i, p := range pdus {
		require.Len(t, p.Items, 1)
		item := p.Items[0]
		assert.Equal(t, pdus[0].Items[0].ContextID, item.ContextID, "all fragments share the context")
		assert.False(t, item.Command)
		assert.Equal(t, i == len(pdus)-1, item.Last, "only the final fragment carries the Last bit")
		assert.LessOrEqual(t, len(item.Value), 100)
		reassembled = append(reassembled, item.Value...)
	}
	assert.Equal(t, data, reassembled)
}

func TestSplitDataSingleFragment(t *testing.T) {
	sm, classUID := fragmentingMachine(t, DefaultMaxPDUSize)
	pdus, err := splitDataIntoPDUs(sm, classUID, dicomuid.ExplicitVRLittleEndian, true, []byte{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, pdus, 1)
	assert.True(t, pdus[0].Items[0].Command)
	assert.True(t, pdus[0].Items[0].Last)
}

func TestSplitDataUnacceptedContext(t *testing.T) {
	sm, _ := fragmentingMachine(t, DefaultMaxPDUSize)
	_, err := splitDataIntoPDUs(sm, "1.2.3.999", dicomuid.ExplicitVRLittleEndian, true, []byte{1})
	assert.ErrorIs(t, err, ErrNoAcceptedContext)
}
