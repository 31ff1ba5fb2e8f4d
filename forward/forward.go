// Package forward implements a store-and-forward proxy: objects received
// on a source-side association (typically the storage half of a C-GET or
// C-MOVE) are relayed to a destination peer over an outbound C-STORE
// association. When no edits are configured and the destination accepts
// the inbound transfer syntax, bytes are spliced through untouched;
// otherwise the dataset is decoded, run through the editor chain and the
// transcode pipeline, and re-sent.
package forward

import (
	"fmt"
	"sync"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/grailbio/go-dicom/dicomuid"
	"v.io/x/lib/vlog"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/dimse"
	"github.com/openradx/dcmnet/sopclass"
	"github.com/openradx/dcmnet/transcode"
)

// AbortMode is set by an editor to stop processing.
type AbortMode int

const (
	// AbortNone continues normally.
	AbortNone AbortMode = iota
	// AbortFile skips the current object, recording a failure.
	AbortFile
	// AbortConnection tears down the destination association; the
	// current and all later objects fail.
	AbortConnection
)

// EditorContext is handed to each editor alongside the dataset.
type EditorContext struct {
	// Source and Destination identify the two peers of the proxy.
	Source      dcmnet.Node
	Destination dcmnet.Node

	// OriginalTS is the transfer syntax the object arrived in.
	OriginalTS string

	// Abort lets the editor stop processing; see AbortMode.
	Abort AbortMode

	// EditableImage, when set, runs on every decoded frame during
	// transcoding, e.g. to mask burned-in annotations.
	EditableImage transcode.FrameEditor
}

// Editor mutates a dataset in flight. Editors run in order; each sees the
// previous one's output.
type Editor func(ds *dicom.DataSet, ctx *EditorContext) error

// Params configures a Forwarder.
type Params struct {
	// Source describes the proxy itself as seen by the retrieving peer;
	// its AETitle becomes the calling AET on the destination side.
	Source dcmnet.Node

	// Destination is the peer objects are relayed to.
	Destination dcmnet.Node

	// Editors run on every object before transcoding. Empty enables the
	// splice path.
	Editors []Editor

	// Progress, when non-nil, receives one Record per relayed object.
	Progress *dcmnet.DicomProgress

	// Quality is the baseline JPEG quality for transcoded objects.
	Quality int

	MaxPDUSize int
	Timeouts   dcmnet.AssociationTimeouts
}

// Forwarder relays objects to one destination. Safe for sequential use by
// one storage handler; the destination association opens lazily and
// re-opens when negotiation no longer covers an inbound object.
type Forwarder struct {
	params Params

	mu       sync.Mutex
	su       *dcmnet.ServiceUser
	dead     bool     // set by AbortConnection
	classes  []string // contexts the current association was opened with
	syntaxes []string
}

// New creates a Forwarder. Close must be called to release the
// destination association.
func New(params Params) *Forwarder {
	return &Forwarder{params: params}
}

// OnCStore is the dcmnet.CStoreCallback for the source side.
func (f *Forwarder) OnCStore(
	assoc dcmnet.AssociationInfo,
	transferSyntaxUID string,
	sopClassUID string,
	sopInstanceUID string,
	data []byte) dimse.Status {
	code, err := f.relay(transferSyntaxUID, sopClassUID, sopInstanceUID, data)
	if err != nil {
		vlog.Errorf("forward: %v (from %q): %v", sopInstanceUID, assoc.CallingAETitle, err)
		f.record(sopInstanceUID, 0, dimse.StatusProcessingFailure)
		return dimse.Status{Status: dimse.StatusProcessingFailure, ErrorComment: err.Error()}
	}
	if code == dimse.StatusSuccess || dcmnet.IsWarningStatus(code) {
		f.record(sopInstanceUID, int64(len(data)), code)
	} else {
		f.record(sopInstanceUID, 0, code)
	}
	return dimse.Status{Status: code}
}

func (f *Forwarder) record(current string, bytes int64, code dimse.StatusCode) {
	if f.params.Progress != nil {
		f.params.Progress.Record(current, bytes, code)
	}
}

func (f *Forwarder) relay(transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) (dimse.StatusCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return 0, fmt.Errorf("destination association aborted by an editor")
	}
	su, err := f.ensureAssociation(sopClassUID, transferSyntaxUID)
	if err != nil {
		return 0, err
	}
	destTS, err := su.AcceptedTransferSyntax(sopClassUID, transferSyntaxUID)
	if err != nil {
		return 0, err
	}
	if len(f.params.Editors) == 0 && destTS == transferSyntaxUID {
		// Splice: the inbound dataset bytes go out verbatim.
		return su.CStoreRaw(sopClassUID, sopInstanceUID, transferSyntaxUID, data)
	}

	ds, err := readDataSet(data, transferSyntaxUID)
	if err != nil {
		return 0, err
	}
	ctx := &EditorContext{
		Source:      f.params.Source,
		Destination: f.params.Destination,
		OriginalTS:  transferSyntaxUID,
	}
	for _, editor := range f.params.Editors {
		if err := editor(ds, ctx); err != nil {
			return 0, err
		}
		switch ctx.Abort {
		case AbortFile:
			return 0, fmt.Errorf("editor aborted this object")
		case AbortConnection:
			f.closeLocked()
			f.dead = true
			return 0, fmt.Errorf("editor aborted the destination association")
		}
	}

	res, err := transcode.Transcode(ds, transferSyntaxUID, destTS, transcode.Options{
		Quality:     f.params.Quality,
		FrameEditor: ctx.EditableImage,
	})
	if err != nil {
		return 0, err
	}
	if res.TransferSyntaxUID != destTS {
		// The pipeline downgraded; make sure the association covers the
		// syntax it actually produced.
		su, err = f.ensureAssociation(sopClassUID, res.TransferSyntaxUID)
		if err != nil {
			return 0, err
		}
	}
	payload, err := encodeDataSet(res.DataSet, res.TransferSyntaxUID)
	if err != nil {
		return 0, err
	}
	return su.CStoreRaw(sopClassUID, sopInstanceUID, res.TransferSyntaxUID, payload)
}

// ensureAssociation returns an association whose negotiated contexts cover
// (sopClassUID, transferSyntaxUID), draining and re-opening the current one
// when they do not.
func (f *Forwarder) ensureAssociation(sopClassUID, transferSyntaxUID string) (*dcmnet.ServiceUser, error) {
	if f.su != nil {
		if _, err := f.su.AcceptedTransferSyntax(sopClassUID, transferSyntaxUID); err == nil {
			return f.su, nil
		}
		// Uncovered context. In-flight responses finish inside Release
		// before the connection goes down.
		vlog.VI(1).Infof("forward: reopening to %v for (%v, %v)",
			f.params.Destination, dicomuid.UIDString(sopClassUID), dicomuid.UIDString(transferSyntaxUID))
		f.su.Release()
		f.su = nil
	}
	f.classes = appendUnique(f.classes, sopClassUID)
	f.syntaxes = appendUnique(f.syntaxes, transferSyntaxUID,
		transcode.ExplicitVRLittleEndian, transcode.ImplicitVRLittleEndian)
	services := make([]sopclass.SOPUID, 0, len(f.classes))
	for _, cuid := range f.classes {
		services = append(services, sopclass.SOPUID{Name: dicomuid.UIDString(cuid), UID: cuid})
	}
	params, err := dcmnet.NewServiceUserParams(
		f.params.Destination.AETitle, f.params.Source.AETitle,
		services, append([]string(nil), f.syntaxes...))
	if err != nil {
		return nil, err
	}
	params.MaxPDUSize = f.params.MaxPDUSize
	params.Timeouts = f.params.Timeouts
	su := dcmnet.NewServiceUser(params)
	su.Connect(f.params.Destination.Addr())
	f.su = su
	return su, nil
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		seen := false
		for _, have := range list {
			if have == v {
				seen = true
				break
			}
		}
		if !seen {
			list = append(list, v)
		}
	}
	return list
}

// Close releases the destination association after draining in-flight
// stores.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

func (f *Forwarder) closeLocked() {
	if f.su != nil {
		f.su.Release()
		f.su = nil
	}
}

func readDataSet(data []byte, transferSyntaxUID string) (*dicom.DataSet, error) {
	decoder := dicomio.NewBytesDecoderWithTransferSyntax(data, transferSyntaxUID)
	ds := &dicom.DataSet{}
	for !decoder.EOF() {
		elem := dicom.ReadElement(decoder, dicom.ReadOptions{})
		if decoder.Error() != nil {
			break
		}
		ds.Elements = append(ds.Elements, elem)
	}
	if err := decoder.Error(); err != nil {
		return nil, err
	}
	return ds, nil
}

func encodeDataSet(ds *dicom.DataSet, transferSyntaxUID string) ([]byte, error) {
	encoder := dicomio.NewBytesEncoderWithTransferSyntax(transferSyntaxUID)
	for _, elem := range ds.Elements {
		if elem.Tag.Group == dicomtag.MetadataGroup {
			continue
		}
		dicom.WriteElement(encoder, elem)
	}
	if err := encoder.Error(); err != nil {
		return nil, err
	}
	return encoder.Bytes(), nil
}
