package dcmnet

import (
	"testing"

	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openradx/dcmnet/sopclass"
)

// Runs the A-ASSOCIATE item exchange between two in-memory context managers,
// the way the state machines do over the wire.
func negotiate(t *testing.T, params ServiceUserParams) (requester, acceptor *contextManager) {
	t.Helper()
	requester = newContextManager()
	acceptor = newContextManager()
	items := requester.generateAssociateRequest(params)
	responses, err := acceptor.onAssociateRequest(items)
	require.NoError(t, err)
	require.NoError(t, requester.onAssociateResponse(responses))
	return requester, acceptor
}

func TestContextNegotiationRoundTrip(t *testing.T) {
	params, err := NewServiceUserParams("CALLED", "CALLING",
		sopclass.StorageClasses[:3],
		[]string{dicomuid.ExplicitVRLittleEndian, dicomuid.ImplicitVRLittleEndian})
	require.NoError(t, err)
	requester, acceptor := negotiate(t, params)

	// Both sides agree on the context ID mapping, and each accepted
	// context carries exactly one transfer syntax.
	require.Len(t, requester.contextIDMap, 3)
	for id, e := range requester.contextIDMap {
		assert.Equal(t, 1, int(id)%2, "context IDs are odd")
		got, err := acceptor.lookupByContextID(id)
		require.NoError(t, err)
		assert.Equal(t, e.abstractSyntaxUID, got.abstractSyntaxUID)
		assert.Equal(t, e.transferSyntaxUID, got.transferSyntaxUID)
	}
}

func TestSelectTransferSyntax(t *testing.T) {
	classUID := sopclass.StorageClasses[0].UID
	params, err := NewServiceUserParams("CALLED", "CALLING",
		sopclass.StorageClasses[:1],
		[]string{dicomuid.ExplicitVRLittleEndian})
	require.NoError(t, err)
	requester, _ := negotiate(t, params)

	// The source syntax was not accepted; fall back to the first accepted
	// one so the caller knows to transcode.
	e, err := requester.selectTransferSyntax(classUID, dicomuid.ImplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, dicomuid.ExplicitVRLittleEndian, e.transferSyntaxUID)

	// Accepted source syntax wins.
	e, err = requester.selectTransferSyntax(classUID, dicomuid.ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, dicomuid.ExplicitVRLittleEndian, e.transferSyntaxUID)

	_, err = requester.selectTransferSyntax("1.2.3.999", "")
	assert.ErrorIs(t, err, ErrNoAcceptedContext)
}

func TestRoleSelectionAndExtendedNegotiation(t *testing.T) {
	classUID := sopclass.StorageClasses[0].UID
	params, err := NewServiceUserParams("CALLED", "CALLING",
		sopclass.StorageClasses[:1], nil)
	require.NoError(t, err)
	params.SCPRoleClasses = []string{classUID}
	params.ExtendedNegotiations = map[string][]byte{classUID: {1, 1}}
	requester, acceptor := negotiate(t, params)

	role, ok := acceptor.peerRoleSelections[classUID]
	require.True(t, ok)
	assert.Equal(t, byte(0), role.SCURole)
	assert.Equal(t, byte(1), role.SCPRole)
	// The acceptor echoes the roles back.
	_, ok = requester.peerRoleSelections[classUID]
	assert.True(t, ok)

	// Extended negotiation bytes travel verbatim.
	assert.Equal(t, []byte{1, 1}, acceptor.peerExtendedNegotiations[classUID])
}

func TestZeroMaxPDUSizeMeansCapped(t *testing.T) {
	m := newContextManager()
	m.setPeerMaxPDUSize(0)
	assert.Equal(t, unlimitedPDUSizeCap, m.sendPDUSizeLimit())
	m.setPeerMaxPDUSize(65536)
	assert.Equal(t, 65536, m.sendPDUSizeLimit())
}
