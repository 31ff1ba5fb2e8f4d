package storescp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/dimse"
)

func mustDataSet(t *testing.T, elems ...*dicom.Element) *dicom.DataSet {
	t.Helper()
	return &dicom.DataSet{Elements: elems}
}

func encodeElements(t *testing.T, transferSyntaxUID string, elems []*dicom.Element) []byte {
	t.Helper()
	e := dicomio.NewBytesEncoderWithTransferSyntax(transferSyntaxUID)
	for _, elem := range elems {
		dicom.WriteElement(e, elem)
	}
	require.NoError(t, e.Error())
	return e.Bytes()
}

func testElements() []*dicom.Element {
	return []*dicom.Element{
		dicom.MustNewElement(dicomtag.SOPClassUID, "1.2.840.10008.5.1.4.1.1.7"),
		dicom.MustNewElement(dicomtag.SOPInstanceUID, "1.2.3.4.5"),
		dicom.MustNewElement(dicomtag.StudyInstanceUID, "1.2.3.4"),
		dicom.MustNewElement(dicomtag.StudyDate, "20260115"),
		dicom.MustNewElement(dicomtag.PatientName, "DOE^JANE"),
	}
}

func TestPathPatternFormat(t *testing.T) {
	ds := mustDataSet(t, testElements()...)

	p, err := parsePathPattern("{0020000D}/{00080018}.dcm")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4/1.2.3.4.5.dcm", p.format(ds))

	p, err = parsePathPattern("{00080020,date,2006/01/02}/{00080018}.dcm")
	require.NoError(t, err)
	assert.Equal(t, "2026/01/15/1.2.3.4.5.dcm", p.format(ds))

	p, err = parsePathPattern("{0020000D,hash}/{00080018}.dcm")
	require.NoError(t, err)
	dir := filepath.Dir(p.format(ds))
	assert.Len(t, dir, 10)
	assert.NotEqual(t, "1.2.3.4", dir)

	// Missing element.
	p, err = parsePathPattern("{00100020}/{00080018}.dcm")
	require.NoError(t, err)
	assert.Equal(t, "UNKNOWN/1.2.3.4.5.dcm", p.format(ds))
}

func TestPathPatternParseErrors(t *testing.T) {
	for _, pattern := range []string{
		"{0020000D",
		"{zzzz000D}",
		"{0020000D,gzip}",
		"{0020000D,date}",
		"{0020000D,date,2006,extra}",
	} {
		_, err := parsePathPattern(pattern)
		assert.Error(t, err, "pattern %q", pattern)
	}
}

func TestPathPatternSanitizes(t *testing.T) {
	ds := mustDataSet(t,
		dicom.MustNewElement(dicomtag.SOPInstanceUID, "../../etc/passwd"))
	p, err := parsePathPattern("{00080018}.dcm")
	require.NoError(t, err)
	got := p.format(ds)
	assert.NotContains(t, got, "..")
	assert.NotContains(t, filepath.ToSlash(got), "/etc/")
}

func TestStoreRoundtrip(t *testing.T) {
	dir := t.TempDir()
	progress := &dcmnet.DicomProgress{}
	s, err := New(Params{
		Dir:         dir,
		PathPattern: "{0020000D}/{00080018}.dcm",
		Progress:    progress,
	})
	require.NoError(t, err)

	elems := testElements()
	data := encodeElements(t, dicomuid.ExplicitVRLittleEndian, elems)
	status := s.OnCStore(
		dcmnet.AssociationInfo{CallingAETitle: "SENDER"},
		dicomuid.ExplicitVRLittleEndian,
		"1.2.840.10008.5.1.4.1.1.7",
		"1.2.3.4.5",
		data)
	assert.Equal(t, dimse.StatusSuccess, status.Status)

	finalPath := filepath.Join(dir, "1.2.3.4", "1.2.3.4.5.dcm")
	fileBytes, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Greater(t, len(fileBytes), len(data), "file must carry the meta header")

	// The stored file must parse back with the meta elements synthesized.
	ds, err := dicom.ReadDataSetInBytes(fileBytes, dicom.ReadOptions{})
	require.NoError(t, err)
	elem, err := ds.FindElementByTag(dicomtag.MediaStorageSOPInstanceUID)
	require.NoError(t, err)
	uid, err := elem.GetString()
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4.5", uid)
	elem, err = ds.FindElementByTag(dicomtag.PatientName)
	require.NoError(t, err)
	name, err := elem.GetString()
	require.NoError(t, err)
	assert.Equal(t, "DOE^JANE", name)

	// Nothing left in staging.
	entries, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Equal(t, 1, progress.Completed())
	assert.Equal(t, int64(len(data)), progress.BytesSent())
}

func TestStoreNotAuthorized(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Params{
		Dir: dir,
		Authorize: func(assoc dcmnet.AssociationInfo, sopClassUID string) bool {
			return false
		},
	})
	require.NoError(t, err)
	data := encodeElements(t, dicomuid.ExplicitVRLittleEndian, testElements())
	status := s.OnCStore(
		dcmnet.AssociationInfo{CallingAETitle: "SENDER"},
		dicomuid.ExplicitVRLittleEndian,
		"1.2.840.10008.5.1.4.1.1.7",
		"1.2.3.4.5",
		data)
	assert.Equal(t, dimse.StatusNotAuthorized, status.Status)

	// Only the empty staging dir exists.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tmp", entries[0].Name())
}

func TestStoreCallingAETitleAuthorization(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Params{
		Dir:                       dir,
		AuthorizedCallingAETitles: []string{"GOODAE"},
	})
	require.NoError(t, err)
	data := encodeElements(t, dicomuid.ExplicitVRLittleEndian, testElements())

	status := s.OnCStore(
		dcmnet.AssociationInfo{CallingAETitle: "BADAE"},
		dicomuid.ExplicitVRLittleEndian,
		"1.2.840.10008.5.1.4.1.1.7",
		"1.2.3.4.5",
		data)
	assert.Equal(t, dimse.StatusNotAuthorized, status.Status)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "nothing written for the refused caller")

	status = s.OnCStore(
		dcmnet.AssociationInfo{CallingAETitle: "GOODAE"},
		dicomuid.ExplicitVRLittleEndian,
		"1.2.840.10008.5.1.4.1.1.7",
		"1.2.3.4.5",
		data)
	assert.Equal(t, dimse.StatusSuccess, status.Status)
}

func TestStoreBadPayload(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Params{Dir: dir})
	require.NoError(t, err)
	status := s.OnCStore(
		dcmnet.AssociationInfo{CallingAETitle: "SENDER"},
		dicomuid.ExplicitVRLittleEndian,
		"1.2.840.10008.5.1.4.1.1.7",
		"1.2.3.4.5",
		[]byte{0x00, 0x01, 0x02})
	assert.Equal(t, dimse.CStoreCannotUnderstand, status.Status)
}
