package forward

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/dimse"
)

const (
	testClassUID    = "1.2.840.10008.5.1.4.1.1.7"
	testInstanceUID = "1.2.3.4.5"
)

type receivedObject struct {
	transferSyntaxUID string
	data              []byte
}

type captureServer struct {
	mu       sync.Mutex
	received []receivedObject
}

func (s *captureServer) onCStore(assoc dcmnet.AssociationInfo, transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) dimse.Status {
	s.mu.Lock()
	s.received = append(s.received, receivedObject{transferSyntaxUID, data})
	s.mu.Unlock()
	return dimse.Success
}

func (s *captureServer) objects(t *testing.T, want int) []receivedObject {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.received)
		objs := append([]receivedObject(nil), s.received...)
		s.mu.Unlock()
		if n >= want {
			return objs
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d objects, want %d", n, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startCaptureServer(t *testing.T) (*captureServer, dcmnet.Node) {
	t.Helper()
	server := &captureServer{}
	sp := dcmnet.NewServiceProvider(dcmnet.ServiceProviderParams{
		AETitle: "DEST",
		CStore:  server.onCStore,
	})
	go sp.Run("127.0.0.1:0")
	deadline := time.Now().Add(5 * time.Second)
	for sp.ListenAddr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	host, port := splitAddr(t, sp.ListenAddr().String())
	return server, dcmnet.Node{AETitle: "DEST", Host: host, Port: port}
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func encodeTestObject(t *testing.T, patientName string) []byte {
	t.Helper()
	e := dicomio.NewBytesEncoderWithTransferSyntax(dicomuid.ExplicitVRLittleEndian)
	for _, elem := range []*dicom.Element{
		dicom.MustNewElement(dicomtag.SOPClassUID, testClassUID),
		dicom.MustNewElement(dicomtag.SOPInstanceUID, testInstanceUID),
		dicom.MustNewElement(dicomtag.PatientName, patientName),
	} {
		dicom.WriteElement(e, elem)
	}
	require.NoError(t, e.Error())
	return e.Bytes()
}

func TestForwardSplice(t *testing.T) {
	server, dest := startCaptureServer(t)
	progress := &dcmnet.DicomProgress{}
	f := New(Params{
		Source:      dcmnet.Node{AETitle: "PROXY"},
		Destination: dest,
		Progress:    progress,
	})
	defer f.Close()

	data := encodeTestObject(t, "DOE^JANE")
	status := f.OnCStore(dcmnet.AssociationInfo{CallingAETitle: "SENDER"}, dicomuid.ExplicitVRLittleEndian, testClassUID, testInstanceUID, data)
	assert.Equal(t, dimse.StatusSuccess, status.Status)

	objs := server.objects(t, 1)
	assert.Equal(t, dicomuid.ExplicitVRLittleEndian, objs[0].transferSyntaxUID)
	assert.Equal(t, data, objs[0].data)
	assert.Equal(t, 1, progress.Completed())
}

func TestForwardEditorRewrite(t *testing.T) {
	server, dest := startCaptureServer(t)
	f := New(Params{
		Source:      dcmnet.Node{AETitle: "PROXY"},
		Destination: dest,
		Editors: []Editor{
			func(ds *dicom.DataSet, ctx *EditorContext) error {
				assert.Equal(t, dicomuid.ExplicitVRLittleEndian, ctx.OriginalTS)
				for i, elem := range ds.Elements {
					if elem.Tag == dicomtag.PatientName {
						ds.Elements[i] = dicom.MustNewElement(dicomtag.PatientName, "REDACTED")
					}
				}
				return nil
			},
		},
	})
	defer f.Close()

	status := f.OnCStore(dcmnet.AssociationInfo{CallingAETitle: "SENDER"}, dicomuid.ExplicitVRLittleEndian, testClassUID, testInstanceUID,
		encodeTestObject(t, "DOE^JANE"))
	assert.Equal(t, dimse.StatusSuccess, status.Status)

	objs := server.objects(t, 1)
	d := dicomio.NewBytesDecoderWithTransferSyntax(objs[0].data, objs[0].transferSyntaxUID)
	var name string
	for !d.EOF() {
		elem := dicom.ReadElement(d, dicom.ReadOptions{})
		require.NoError(t, d.Error())
		if elem.Tag == dicomtag.PatientName {
			name, _ = elem.GetString()
		}
	}
	assert.Equal(t, "REDACTED", name)
}

func TestForwardEditorAbortFile(t *testing.T) {
	_, dest := startCaptureServer(t)
	f := New(Params{
		Source:      dcmnet.Node{AETitle: "PROXY"},
		Destination: dest,
		Editors: []Editor{
			func(ds *dicom.DataSet, ctx *EditorContext) error {
				ctx.Abort = AbortFile
				return nil
			},
		},
	})
	defer f.Close()

	status := f.OnCStore(dcmnet.AssociationInfo{CallingAETitle: "SENDER"}, dicomuid.ExplicitVRLittleEndian, testClassUID, testInstanceUID,
		encodeTestObject(t, "DOE^JANE"))
	assert.Equal(t, dimse.StatusProcessingFailure, status.Status)
}

func TestForwardEditorAbortConnection(t *testing.T) {
	_, dest := startCaptureServer(t)
	f := New(Params{
		Source:      dcmnet.Node{AETitle: "PROXY"},
		Destination: dest,
		Editors: []Editor{
			func(ds *dicom.DataSet, ctx *EditorContext) error {
				ctx.Abort = AbortConnection
				return nil
			},
		},
	})
	defer f.Close()

	status := f.OnCStore(dcmnet.AssociationInfo{CallingAETitle: "SENDER"}, dicomuid.ExplicitVRLittleEndian, testClassUID, testInstanceUID,
		encodeTestObject(t, "DOE^JANE"))
	assert.Equal(t, dimse.StatusProcessingFailure, status.Status)

	// The association is gone; later objects fail without reconnecting.
	status = f.OnCStore(dcmnet.AssociationInfo{CallingAETitle: "SENDER"}, dicomuid.ExplicitVRLittleEndian, testClassUID, testInstanceUID,
		encodeTestObject(t, "DOE^JOHN"))
	assert.Equal(t, dimse.StatusProcessingFailure, status.Status)
}
