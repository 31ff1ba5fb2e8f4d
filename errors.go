package dcmnet

import (
	"errors"
	"fmt"

	"github.com/openradx/dcmnet/dimse"
)

// Sentinel errors reported by associations. Wrap-match with errors.Is.
var (
	// ErrConnect: the TCP connection to the remote AE could not be
	// established.
	ErrConnect = errors.New("dcmnet: connect failed")

	// ErrProtocol: the peer sent bytes that do not parse as a legal PDU
	// stream, or a PDU illegal in the current association state.
	ErrProtocol = errors.New("dcmnet: protocol error")

	// ErrAssociationAborted: the association was torn down by an A-ABORT,
	// from either side, before the operation completed.
	ErrAssociationAborted = errors.New("dcmnet: association aborted")

	// ErrNoAcceptedContext: the peer accepted no presentation context
	// usable for the requested SOP class.
	ErrNoAcceptedContext = errors.New("dcmnet: no accepted presentation context")

	// ErrCancelled: the operation was cancelled locally.
	ErrCancelled = errors.New("dcmnet: operation cancelled")

	// ErrTimeout: a timer expired while waiting for the peer.
	ErrTimeout = errors.New("dcmnet: timeout")

	// ErrIO: a local I/O failure, e.g. while spooling an incoming object.
	ErrIO = errors.New("dcmnet: i/o failure")
)

// RemoteDIMSEError reports a non-success, non-pending DIMSE status returned
// by the peer.
type RemoteDIMSEError struct {
	// Verb is the command that failed, e.g. CommandFieldCStoreRsp.
	Verb   dimse.CommandField
	Status dimse.Status
}

func (e *RemoteDIMSEError) Error() string {
	return fmt.Sprintf("dcmnet: remote DIMSE failure: command 0x%04x, status %v", uint16(e.Verb), e.Status)
}

// IsWarningStatus reports whether a C-STORE response status is in the
// warning class. Warning statuses mean the object was stored, possibly with
// coercion or element loss.
func IsWarningStatus(s dimse.StatusCode) bool {
	return s == dimse.WarningCoercionOfDataElements ||
		s == dimse.WarningElementsDiscarded ||
		s == dimse.WarningDataSetDoesNotMatch
}
