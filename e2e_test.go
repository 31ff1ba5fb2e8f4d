package dcmnet_test

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/dimse"
	"github.com/openradx/dcmnet/sopclass"
	"github.com/openradx/dcmnet/storescp"
)

const (
	testClassUID    = "1.2.840.10008.5.1.4.1.1.7" // secondary capture
	testInstanceUID = "1.2.3.4.5"
)

func startServer(t *testing.T, params dcmnet.ServiceProviderParams) string {
	t.Helper()
	if params.AETitle == "" {
		params.AETitle = "TESTSCP"
	}
	sp := dcmnet.NewServiceProvider(params)
	go sp.Run("127.0.0.1:0")
	deadline := time.Now().Add(5 * time.Second)
	for sp.ListenAddr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return sp.ListenAddr().String()
}

func connect(t *testing.T, addr string, services []sopclass.SOPUID) *dcmnet.ServiceUser {
	t.Helper()
	params, err := dcmnet.NewServiceUserParams("TESTSCP", "TESTSCU", services, nil)
	require.NoError(t, err)
	su := dcmnet.NewServiceUser(params)
	su.Connect(addr)
	return su
}

func testDataSet(instanceUID, patientName string) *dicom.DataSet {
	return &dicom.DataSet{Elements: []*dicom.Element{
		dicom.MustNewElement(dicomtag.SOPClassUID, testClassUID),
		dicom.MustNewElement(dicomtag.SOPInstanceUID, instanceUID),
		dicom.MustNewElement(dicomtag.PatientName, patientName),
	}}
}

func decodePatientName(t *testing.T, data []byte, transferSyntaxUID string) string {
	t.Helper()
	d := dicomio.NewBytesDecoderWithTransferSyntax(data, transferSyntaxUID)
	var name string
	for !d.EOF() {
		elem := dicom.ReadElement(d, dicom.ReadOptions{})
		require.NoError(t, d.Error())
		if elem.Tag == dicomtag.PatientName {
			name, _ = elem.GetString()
		}
	}
	return name
}

func TestEcho(t *testing.T) {
	echoes := 0
	addr := startServer(t, dcmnet.ServiceProviderParams{
		CEcho: func() dimse.Status {
			echoes++
			return dimse.Success
		},
	})
	su := connect(t, addr, sopclass.VerificationClasses)
	defer su.Release()
	require.NoError(t, su.CEcho())
	assert.Equal(t, 1, echoes)
}

func TestEchoRemoteFailure(t *testing.T) {
	addr := startServer(t, dcmnet.ServiceProviderParams{
		CEcho: func() dimse.Status {
			return dimse.Status{Status: dimse.StatusProcessingFailure}
		},
	})
	su := connect(t, addr, sopclass.VerificationClasses)
	defer su.Release()
	err := su.CEcho()
	var remoteErr *dcmnet.RemoteDIMSEError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, dimse.StatusProcessingFailure, remoteErr.Status.Status)
}

func TestStoreRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var gotData []byte
	var gotTS string
	var gotAssoc dcmnet.AssociationInfo
	addr := startServer(t, dcmnet.ServiceProviderParams{
		CStore: func(assoc dcmnet.AssociationInfo, transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) dimse.Status {
			mu.Lock()
			gotData = append([]byte(nil), data...)
			gotTS = transferSyntaxUID
			gotAssoc = assoc
			mu.Unlock()
			return dimse.Success
		},
	})
	su := connect(t, addr, sopclass.StorageClasses)
	defer su.Release()
	require.NoError(t, su.CStore(testDataSet(testInstanceUID, "DOE^JANE")))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, gotData)
	assert.Equal(t, "DOE^JANE", decodePatientName(t, gotData, gotTS))
	assert.Equal(t, "TESTSCU", gotAssoc.CallingAETitle)
	assert.Equal(t, "TESTSCP", gotAssoc.CalledAETitle)
	assert.NotNil(t, gotAssoc.RemoteAddr)
}

func TestStoreWarningStatus(t *testing.T) {
	addr := startServer(t, dcmnet.ServiceProviderParams{
		CStore: func(assoc dcmnet.AssociationInfo, transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) dimse.Status {
			return dimse.Status{Status: dimse.WarningCoercionOfDataElements}
		},
	})
	su := connect(t, addr, sopclass.StorageClasses)
	defer su.Release()
	code, err := su.CStoreStatus(testDataSet(testInstanceUID, "DOE^JANE"))
	require.NoError(t, err, "warning-class statuses are not errors")
	assert.Equal(t, dimse.WarningCoercionOfDataElements, code)
	assert.True(t, dcmnet.IsWarningStatus(code))
}

// An unauthorized caller is refused per object with a 0x0124 DIMSE
// response; unlike the provider's association allow list, the association
// itself stays usable.
func TestStoreCallingAETitleNotAuthorized(t *testing.T) {
	dir := t.TempDir()
	store, err := storescp.New(storescp.Params{
		Dir:                       dir,
		AuthorizedCallingAETitles: []string{"GOODAE"},
	})
	require.NoError(t, err)
	addr := startServer(t, dcmnet.ServiceProviderParams{
		CEcho:  func() dimse.Status { return dimse.Success },
		CStore: store.OnCStore,
	})
	services := append([]sopclass.SOPUID{}, sopclass.StorageClasses...)
	services = append(services, sopclass.VerificationClasses...)
	// connect associates as TESTSCU, which is not in the authorized list;
	// the handshake itself succeeds.
	su := connect(t, addr, services)
	defer su.Release()

	code, err := su.CStoreStatus(testDataSet(testInstanceUID, "DOE^JANE"))
	assert.Equal(t, dimse.StatusNotAuthorized, code)
	var remoteErr *dcmnet.RemoteDIMSEError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, dimse.StatusNotAuthorized, remoteErr.Status.Status)

	// Nothing reached the storage tree; only the staging dir exists.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tmp", entries[0].Name())

	// The refusal is per object, not per association.
	require.NoError(t, su.CEcho())
}

func TestStoreNoAcceptedContext(t *testing.T) {
	addr := startServer(t, dcmnet.ServiceProviderParams{})
	// Verification only: the storage class is never negotiated.
	su := connect(t, addr, sopclass.VerificationClasses)
	defer su.Release()
	err := su.CStore(testDataSet(testInstanceUID, "DOE^JANE"))
	require.ErrorIs(t, err, dcmnet.ErrNoAcceptedContext)
	// The association survives a caller-side fault.
	require.NoError(t, su.CEcho())
}

func TestCallingAETitleRejected(t *testing.T) {
	addr := startServer(t, dcmnet.ServiceProviderParams{
		AllowedCallingAETitles: []string{"FRIEND"},
	})
	su := connect(t, addr, sopclass.VerificationClasses) // calls as TESTSCU
	defer su.Release()
	err := su.CEcho()
	require.ErrorIs(t, err, dcmnet.ErrConnect)
}

func findMatch(n int) []*dicom.Element {
	return []*dicom.Element{
		dicom.MustNewElement(dicomtag.StudyInstanceUID, fmt.Sprintf("1.2.3.%d", n)),
		dicom.MustNewElement(dicomtag.PatientName, fmt.Sprintf("PATIENT^%d", n)),
	}
}

func TestFindStreamsMatches(t *testing.T) {
	addr := startServer(t, dcmnet.ServiceProviderParams{
		CFind: func(transferSyntaxUID, sopClassUID string, filter []*dicom.Element) chan dcmnet.CFindResult {
			ch := make(chan dcmnet.CFindResult)
			go func() {
				defer close(ch)
				for i := 0; i < 4; i++ {
					ch <- dcmnet.CFindResult{Elements: findMatch(i)}
				}
			}()
			return ch
		},
	})
	su := connect(t, addr, sopclass.QRFindClasses)
	defer su.Release()

	var names []string
	for result := range su.CFind(dcmnet.CFindStudyQRLevel, []*dicom.Element{
		dicom.MustNewElement(dicomtag.PatientName, ""),
	}) {
		require.NoError(t, result.Err)
		for _, elem := range result.Elements {
			if elem.Tag == dicomtag.PatientName {
				name, err := elem.GetString()
				require.NoError(t, err)
				names = append(names, name)
			}
		}
	}
	// Pending responses arrive in the order the peer sent them.
	assert.Equal(t, []string{"PATIENT^0", "PATIENT^1", "PATIENT^2", "PATIENT^3"}, names)
}

func TestFindCancelAfter(t *testing.T) {
	addr := startServer(t, dcmnet.ServiceProviderParams{
		CFind: func(transferSyntaxUID, sopClassUID string, filter []*dicom.Element) chan dcmnet.CFindResult {
			ch := make(chan dcmnet.CFindResult)
			go func() {
				defer close(ch)
				for i := 0; i < 10; i++ {
					ch <- dcmnet.CFindResult{Elements: findMatch(i)}
					// Pace the stream so the C-CANCEL-RQ lands between
					// pending responses.
					time.Sleep(50 * time.Millisecond)
				}
			}()
			return ch
		},
	})
	su := connect(t, addr, sopclass.QRFindClasses)
	defer su.Release()
	su.SetCancelAfter(3)

	matches := 0
	var lastErr error
	for result := range su.CFind(dcmnet.CFindStudyQRLevel, nil) {
		if result.Err != nil {
			lastErr = result.Err
			continue
		}
		matches++
	}
	require.ErrorIs(t, lastErr, dcmnet.ErrCancelled)
	assert.GreaterOrEqual(t, matches, 3)
	assert.Less(t, matches, 10, "the cancel must stop the stream early")
}

func TestMoveSubOperations(t *testing.T) {
	// Destination storage server the C-MOVE provider dials out to.
	var mu sync.Mutex
	var received []string
	destAddr := startServer(t, dcmnet.ServiceProviderParams{
		AETitle: "DEST",
		CStore: func(assoc dcmnet.AssociationInfo, transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) dimse.Status {
			mu.Lock()
			received = append(received, sopInstanceUID)
			mu.Unlock()
			return dimse.Success
		},
	})
	const numObjects = 5
	addr := startServer(t, dcmnet.ServiceProviderParams{
		RemoteAEs: map[string]string{"DEST": destAddr},
		CMove: func(transferSyntaxUID, sopClassUID string, filter []*dicom.Element) chan dcmnet.CMoveResult {
			ch := make(chan dcmnet.CMoveResult)
			go func() {
				defer close(ch)
				for i := 0; i < numObjects; i++ {
					ch <- dcmnet.CMoveResult{
						Remaining: numObjects - i - 1,
						DataSet:   testDataSet(fmt.Sprintf("1.2.3.4.%d", i), "DOE^JANE"),
					}
				}
			}()
			return ch
		},
	})
	su := connect(t, addr, sopclass.QRMoveClasses)
	defer su.Release()

	progress := &dcmnet.DicomProgress{}
	require.NoError(t, su.CMoveModel("DEST", dcmnet.StudyRootInformationModel, nil, progress))
	assert.Equal(t, 0, progress.Remaining())
	assert.Equal(t, numObjects, progress.Completed())
	assert.Equal(t, 0, progress.Failed())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, numObjects)
}

func TestGetInlineStorage(t *testing.T) {
	const numObjects = 3
	addr := startServer(t, dcmnet.ServiceProviderParams{
		CGet: func(transferSyntaxUID, sopClassUID string, filter []*dicom.Element) chan dcmnet.CMoveResult {
			ch := make(chan dcmnet.CMoveResult)
			go func() {
				defer close(ch)
				for i := 0; i < numObjects; i++ {
					ch <- dcmnet.CMoveResult{
						Remaining: numObjects - i - 1,
						DataSet:   testDataSet(fmt.Sprintf("1.2.3.4.%d", i), fmt.Sprintf("PATIENT^%d", i)),
					}
				}
			}()
			return ch
		},
	})
	services := append([]sopclass.SOPUID(nil), sopclass.QRGetClasses...)
	services = append(services, sopclass.StorageClasses...)
	params, err := dcmnet.NewServiceUserParams("TESTSCP", "TESTSCU", services, nil)
	require.NoError(t, err)
	params.SCPRoleClasses = sopclass.UIDs(sopclass.StorageClasses)
	su := dcmnet.NewServiceUser(params)
	su.Connect(addr)
	defer su.Release()

	progress := &dcmnet.DicomProgress{}
	var mu sync.Mutex
	var names []string
	err = su.CGetModel(dcmnet.StudyRootInformationModel, nil, progress,
		func(assoc dcmnet.AssociationInfo, transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) dimse.Status {
			mu.Lock()
			names = append(names, decodePatientName(t, data, transferSyntaxUID))
			mu.Unlock()
			return dimse.Success
		})
	require.NoError(t, err)
	assert.Equal(t, numObjects, progress.Completed())
	assert.Equal(t, 0, progress.Remaining())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"PATIENT^0", "PATIENT^1", "PATIENT^2"}, names)
}

// Three clients store to three servers at once; each server must see exactly
// its own object.
func TestConcurrentStores(t *testing.T) {
	type capture struct {
		mu    sync.Mutex
		names []string
	}
	const n = 3
	addrs := make([]string, n)
	captures := make([]*capture, n)
	for i := 0; i < n; i++ {
		c := &capture{}
		captures[i] = c
		addrs[i] = startServer(t, dcmnet.ServiceProviderParams{
			CStore: func(assoc dcmnet.AssociationInfo, transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) dimse.Status {
				c.mu.Lock()
				c.names = append(c.names, decodePatientName(t, data, transferSyntaxUID))
				c.mu.Unlock()
				return dimse.Success
			},
		})
	}
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			su := connect(t, addrs[i], sopclass.StorageClasses)
			defer su.Release()
			errs[i] = su.CStore(testDataSet(
				fmt.Sprintf("1.2.3.4.%d", i), fmt.Sprintf("PATIENT^%d", i)))
		}()
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		captures[i].mu.Lock()
		assert.Equal(t, []string{fmt.Sprintf("PATIENT^%d", i)}, captures[i].names)
		captures[i].mu.Unlock()
	}
}

// Back-to-back C-STOREs on one association allocate fresh message IDs from
// the dispatcher's response map; every request must get its own terminal
// response.
func TestManyStoresOneAssociation(t *testing.T) {
	var mu sync.Mutex
	var received []string
	addr := startServer(t, dcmnet.ServiceProviderParams{
		CStore: func(assoc dcmnet.AssociationInfo, transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) dimse.Status {
			mu.Lock()
			received = append(received, sopInstanceUID)
			mu.Unlock()
			return dimse.Success
		},
	})
	su := connect(t, addr, sopclass.StorageClasses)
	defer su.Release()
	for i := 0; i < 10; i++ {
		require.NoError(t, su.CStore(testDataSet(fmt.Sprintf("1.2.3.4.%d", i), "DOE^JANE")))
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 10)
}
