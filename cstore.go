package dcmnet

import (
	"fmt"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/openradx/dcmnet/dimse"
	"v.io/x/lib/vlog"
)

// Helper used by C-STORE, C-GET and C-MOVE to send one dataset over an
// established association. Returns the response status code; the error is
// non-nil for transport failures and failure-class statuses. Warning-class
// statuses mean the peer stored the object, possibly with element loss, and
// return a nil error.
func runCStoreOnAssociation(upcallCh chan upcallEvent, downcallCh chan stateEvent,
	cm *contextManager,
	messageID uint16,
	ds *dicom.DataSet) (dimse.StatusCode, error) {
	getElement := func(tags ...dicomtag.Tag) (string, error) {
		for _, tag := range tags {
			elem, err := ds.FindElementByTag(tag)
			if err != nil {
				continue
			}
			return elem.GetString()
		}
		return "", fmt.Errorf("dcmnet.cstore: data lacks %s", tags[0].String())
	}
	// Objects received over the network lack the file meta group, so fall
	// back to the dataset-level UIDs.
	sopInstanceUID, err := getElement(dicomtag.MediaStorageSOPInstanceUID, dicomtag.SOPInstanceUID)
	if err != nil {
		return 0, err
	}
	sopClassUID, err := getElement(dicomtag.MediaStorageSOPClassUID, dicomtag.SOPClassUID)
	if err != nil {
		return 0, err
	}
	sourceTransferSyntaxUID, _ := getElement(dicomtag.TransferSyntaxUID)
	context, err := cm.selectTransferSyntax(sopClassUID, sourceTransferSyntaxUID)
	if err != nil {
		vlog.Infof("dcmnet.cstore: sop class %v: %v", dicomuid.UIDString(sopClassUID), err)
		return 0, err
	}
	vlog.VI(1).Infof("dcmnet.cstore: sending %s (%s) as %s",
		sopInstanceUID,
		dicomuid.UIDString(sopClassUID),
		dicomuid.UIDString(context.transferSyntaxUID))
	bodyEncoder := dicomio.NewBytesEncoderWithTransferSyntax(context.transferSyntaxUID)
	for _, elem := range ds.Elements {
		if elem.Tag.Group == dicomtag.MetadataGroup {
			continue
		}
		dicom.WriteElement(bodyEncoder, elem)
	}
	if err := bodyEncoder.Error(); err != nil {
		return 0, err
	}
	return runCStoreRawOnAssociation(upcallCh, downcallCh,
		sopClassUID, sopInstanceUID, context.transferSyntaxUID,
		messageID, bodyEncoder.Bytes())
}

// runCStoreRawOnAssociation sends pre-encoded dataset bytes, already in the
// given transfer syntax, as one C-STORE. The caller must have verified that
// the association accepted (sopClassUID, transferSyntaxUID); proxies use
// this to splice inbound bytes through without a decode/re-encode cycle.
func runCStoreRawOnAssociation(upcallCh chan upcallEvent, downcallCh chan stateEvent,
	sopClassUID, sopInstanceUID, transferSyntaxUID string,
	messageID uint16,
	data []byte) (dimse.StatusCode, error) {
	downcallCh <- stateEvent{
		event: evt09,
		dimsePayload: &stateEventDIMSEPayload{
			abstractSyntaxName: sopClassUID,
			transferSyntaxUID:  transferSyntaxUID,
			command: &dimse.C_STORE_RQ{
				AffectedSOPClassUID:    sopClassUID,
				MessageID:              messageID,
				CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
				AffectedSOPInstanceUID: sopInstanceUID,
			},
			data: data,
		},
	}
	for {
		event, ok := <-upcallCh
		if !ok {
			return 0, fmt.Errorf("dcmnet.cstore: %w while waiting for C-STORE response", ErrAssociationAborted)
		}
		doassert(event.eventType == upcallEventData)
		doassert(event.command != nil)
		resp, ok := event.command.(*dimse.C_STORE_RSP)
		if !ok {
			return 0, fmt.Errorf("dcmnet.cstore: %w: expected C-STORE-RSP, got %v", ErrProtocol, event.command)
		}
		code := resp.Status.Status
		if code == dimse.StatusSuccess || IsWarningStatus(code) {
			return code, nil
		}
		return code, &RemoteDIMSEError{Verb: dimse.CommandFieldCStoreRsp, Status: resp.Status}
	}
}
