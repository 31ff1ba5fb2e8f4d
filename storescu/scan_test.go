package storescu

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testClassUID    = "1.2.840.10008.5.1.4.1.1.7"
	testInstanceUID = "1.2.3.4.5"
)

func testDataSetElements(instanceUID string) []*dicom.Element {
	return []*dicom.Element{
		dicom.MustNewElement(dicomtag.SOPClassUID, testClassUID),
		dicom.MustNewElement(dicomtag.SOPInstanceUID, instanceUID),
		dicom.MustNewElement(dicomtag.PatientName, "DOE^JOHN"),
	}
}

func encodePart10(t *testing.T, instanceUID string) []byte {
	t.Helper()
	dataEnc := dicomio.NewBytesEncoderWithTransferSyntax(dicomuid.ExplicitVRLittleEndian)
	for _, elem := range testDataSetElements(instanceUID) {
		dicom.WriteElement(dataEnc, elem)
	}
	require.NoError(t, dataEnc.Error())
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
	dicom.WriteFileHeader(e,
		[]*dicom.Element{
			dicom.MustNewElement(dicomtag.TransferSyntaxUID, dicomuid.ExplicitVRLittleEndian),
			dicom.MustNewElement(dicomtag.MediaStorageSOPClassUID, testClassUID),
			dicom.MustNewElement(dicomtag.MediaStorageSOPInstanceUID, instanceUID),
		})
	e.WriteBytes(dataEnc.Bytes())
	require.NoError(t, e.Error())
	return e.Bytes()
}

func encodeBareImplicit(t *testing.T, instanceUID string) []byte {
	t.Helper()
	e := dicomio.NewBytesEncoderWithTransferSyntax(dicomuid.ImplicitVRLittleEndian)
	for _, elem := range testDataSetElements(instanceUID) {
		dicom.WriteElement(e, elem)
	}
	require.NoError(t, e.Error())
	return e.Bytes()
}

const testXML = `<?xml version="1.0"?>
<NativeDicomModel>
  <DicomAttribute tag="00080016" vr="UI" keyword="SOPClassUID">
    <Value number="1">1.2.840.10008.5.1.4.1.1.7</Value>
  </DicomAttribute>
  <DicomAttribute tag="00080018" vr="UI" keyword="SOPInstanceUID">
    <Value number="1">9.8.7.6</Value>
  </DicomAttribute>
  <DicomAttribute tag="00100010" vr="PN" keyword="PatientName">
    <PersonName number="1"><Alphabetic><FamilyName>DOE</FamilyName><GivenName>JANE</GivenName></Alphabetic></PersonName>
  </DicomAttribute>
</NativeDicomModel>`

func TestScanMixedTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "a.dcm"), encodePart10(t, "1.2.3.4.5"), 0644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "sub", "bare"), encodeBareImplicit(t, "1.2.3.4.6"), 0644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "sub", "query.xml"), []byte(testXML), 0644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "readme.txt"), []byte("not dicom at all"), 0644))

	var printout bytes.Buffer
	result, err := Scan([]string{dir}, ScanOptions{Printout: &printout})
	require.NoError(t, err)
	defer os.Remove(result.ManifestPath)

	require.Len(t, result.Entries, 3)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, strings.Count(printout.String(), "."), 3)
	assert.Equal(t, strings.Count(printout.String(), "I"), 1)

	byUID := map[string]FileEntry{}
	for _, e := range result.Entries {
		byUID[e.SOPInstanceUID] = e
	}
	part10 := byUID["1.2.3.4.5"]
	assert.Equal(t, testClassUID, part10.SOPClassUID)
	assert.Equal(t, dicomuid.ExplicitVRLittleEndian, part10.TransferSyntaxUID)
	assert.Greater(t, part10.MetaEnd, int64(132))

	bare := byUID["1.2.3.4.6"]
	assert.Equal(t, dicomuid.ImplicitVRLittleEndian, bare.TransferSyntaxUID)
	assert.Zero(t, bare.MetaEnd)

	xmlEntry := byUID["9.8.7.6"]
	assert.True(t, xmlEntry.XML)
	assert.Equal(t, dicomuid.ExplicitVRLittleEndian, xmlEntry.TransferSyntaxUID)

	// One class seen, so the context list is that class plus the two
	// little-endian defaults.
	assert.Equal(t, []string{testClassUID}, result.ContextClasses)
	assert.ElementsMatch(t,
		[]string{dicomuid.ExplicitVRLittleEndian, dicomuid.ImplicitVRLittleEndian},
		result.ContextSyntaxes)

	manifest, err := os.ReadFile(result.ManifestPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(manifest)), "\n")
	require.Len(t, lines, 3)
	fields := strings.Split(lines[0], "\t")
	require.Len(t, fields, 5)
	assert.Equal(t, result.Entries[0].SOPInstanceUID, fields[0])
	assert.Equal(t, result.Entries[0].SOPClassUID, fields[1])
	assert.Equal(t, result.Entries[0].Path, fields[4])
}

func TestFileMetaEnd(t *testing.T) {
	data := encodePart10(t, testInstanceUID)
	end, err := fileMetaEnd(data)
	require.NoError(t, err)
	require.Greater(t, end, int64(132))
	require.LessOrEqual(t, end, int64(len(data)))

	// The dataset proper must start right there: decoding from end as
	// explicit LE yields the first non-meta element.
	d := dicomio.NewBytesDecoderWithTransferSyntax(data[int(end):], dicomuid.ExplicitVRLittleEndian)
	elem := dicom.ReadElement(d, dicom.ReadOptions{})
	require.NoError(t, d.Error())
	assert.NotEqual(t, uint16(2), elem.Tag.Group)
}

func TestReadXMLDataSet(t *testing.T) {
	ds, err := ReadXMLDataSet(strings.NewReader(testXML))
	require.NoError(t, err)
	elem, err := ds.FindElementByTag(dicomtag.SOPInstanceUID)
	require.NoError(t, err)
	uid, err := elem.GetString()
	require.NoError(t, err)
	assert.Equal(t, "9.8.7.6", uid)
	elem, err = ds.FindElementByTag(dicomtag.PatientName)
	require.NoError(t, err)
	name, err := elem.GetString()
	require.NoError(t, err)
	assert.Equal(t, "DOE^JANE", name)
}

func TestWriteXMLDataSetRoundtrip(t *testing.T) {
	ds := &dicom.DataSet{Elements: testDataSetElements("9.8.7.6")}
	var buf bytes.Buffer
	require.NoError(t, WriteXMLDataSet(&buf, ds))
	assert.Contains(t, buf.String(), "NativeDicomModel")
	assert.Contains(t, buf.String(), "FamilyName")

	got, err := ReadXMLDataSet(&buf)
	require.NoError(t, err)
	require.Len(t, got.Elements, len(ds.Elements))
	elem, err := got.FindElementByTag(dicomtag.PatientName)
	require.NoError(t, err)
	name, err := elem.GetString()
	require.NoError(t, err)
	assert.Equal(t, "DOE^JOHN", name)
	elem, err = got.FindElementByTag(dicomtag.SOPInstanceUID)
	require.NoError(t, err)
	uid, err := elem.GetString()
	require.NoError(t, err)
	assert.Equal(t, "9.8.7.6", uid)
}

func TestReadXMLDataSetRejectsJunk(t *testing.T) {
	_, err := ReadXMLDataSet(strings.NewReader("<other/>"))
	assert.Error(t, err)
}

func TestSendEmptyBatch(t *testing.T) {
	result := &ScanResult{}
	_, err := Send("localhost:0", result, SendOptions{
		CalledAETitle:  "REMOTE",
		CallingAETitle: "LOCAL",
	})
	assert.Error(t, err)
}
