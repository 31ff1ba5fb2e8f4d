package transcode

import (
	"bytes"
	"image"
	"image/draw"
	"image/jpeg"
	"strconv"
	"testing"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayDataSet(t *testing.T, rows, cols, bitsAllocated, frames int, pixels []byte) *dicom.DataSet {
	t.Helper()
	elems := []*dicom.Element{
		dicom.MustNewElement(dicomtag.Rows, uint16(rows)),
		dicom.MustNewElement(dicomtag.Columns, uint16(cols)),
		dicom.MustNewElement(dicomtag.BitsAllocated, uint16(bitsAllocated)),
		dicom.MustNewElement(dicomtag.BitsStored, uint16(bitsAllocated)),
		dicom.MustNewElement(dicomtag.HighBit, uint16(bitsAllocated-1)),
		dicom.MustNewElement(dicomtag.SamplesPerPixel, uint16(1)),
		dicom.MustNewElement(dicomtag.PixelRepresentation, uint16(0)),
		dicom.MustNewElement(dicomtag.PhotometricInterpretation, "MONOCHROME2"),
	}
	if frames > 1 {
		// NumberOfFrames is an IS string on the wire.
		elems = append(elems,
			dicom.MustNewElement(dicomtag.NumberOfFrames, strconv.Itoa(frames)))
	}
	elems = append(elems, &dicom.Element{
		Tag:   dicomtag.PixelData,
		VR:    "OW",
		Value: []interface{}{dicom.PixelDataInfo{Frames: [][]byte{pixels}}},
	})
	return &dicom.DataSet{Elements: elems}
}

func rampPixels(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func TestImageDescriptor(t *testing.T) {
	ds := grayDataSet(t, 4, 6, 8, 2, rampPixels(4*6*2))
	desc, err := NewImageDescriptor(ds)
	require.NoError(t, err)
	assert.Equal(t, 4, desc.Rows)
	assert.Equal(t, 6, desc.Columns)
	assert.Equal(t, 2, desc.NumberOfFrames)
	assert.Equal(t, 24, desc.FrameLength())
	assert.False(t, desc.Signed())

	// Missing Rows.
	bad := &dicom.DataSet{Elements: ds.Elements[1:]}
	_, err = NewImageDescriptor(bad)
	assert.Error(t, err)
}

func TestSplitBulkFrames(t *testing.T) {
	desc := &ImageDescriptor{Rows: 2, Columns: 3, SamplesPerPixel: 1, BitsAllocated: 8, NumberOfFrames: 2}
	frames, err := splitBulkFrames(desc, rampPixels(12))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, rampPixels(12)[:6], frames[0])
	assert.Equal(t, rampPixels(12)[6:], frames[1])

	_, err = splitBulkFrames(desc, rampPixels(11))
	assert.Error(t, err)
}

func TestMapFragmentsSingleFrame(t *testing.T) {
	desc := &ImageDescriptor{Rows: 2, Columns: 2, SamplesPerPixel: 1, BitsAllocated: 8, NumberOfFrames: 1}
	frames, err := mapFragmentsToFrames(desc, JPEGBaseline, nil,
		[][]byte{{1, 2}, {3, 4}})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, frames[0])
}

func TestMapFragmentsRLE(t *testing.T) {
	desc := &ImageDescriptor{Rows: 2, Columns: 2, SamplesPerPixel: 1, BitsAllocated: 8, NumberOfFrames: 2}
	frames, err := mapFragmentsToFrames(desc, RLELossless, nil,
		[][]byte{{1}, {2}})
	require.NoError(t, err)
	assert.Len(t, frames, 2)

	_, err = mapFragmentsToFrames(desc, RLELossless, nil, [][]byte{{1}, {2}, {3}})
	assert.ErrorIs(t, err, ErrFrameMappingFailed)
}

func encodeTestJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestMapFragmentsJPEGSniff(t *testing.T) {
	jpg := encodeTestJPEG(t)
	mid := len(jpg) / 2
	desc := &ImageDescriptor{Rows: 4, Columns: 4, SamplesPerPixel: 1, BitsAllocated: 8, NumberOfFrames: 2}
	// Two frames, the second split across two fragments.
	frames, err := mapFragmentsToFrames(desc, JPEGBaseline, nil,
		[][]byte{jpg, jpg[:mid], jpg[mid:]})
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, jpg, frames[0])
	assert.Equal(t, jpg, frames[1])

	// Three starts for two frames.
	_, err = mapFragmentsToFrames(desc, JPEGBaseline, nil,
		[][]byte{jpg, jpg, jpg})
	assert.ErrorIs(t, err, ErrFrameMappingFailed)
}

func TestIsJPEGStart(t *testing.T) {
	assert.True(t, isJPEGStart(encodeTestJPEG(t)))
	assert.False(t, isJPEGStart([]byte{0x00, 0x01, 0x02, 0x03}))
	assert.False(t, isJPEGStart([]byte{0xff, 0xd8, 0x00, 0x00}))
}

func TestPackBitsRoundtrip(t *testing.T) {
	for _, data := range [][]byte{
		rampPixels(100),
		bytes.Repeat([]byte{7}, 300),
		append(bytes.Repeat([]byte{1}, 5), rampPixels(50)...),
		{42},
	} {
		enc := packBitsEncode(data)
		dec, err := packBitsDecode(enc, len(data))
		require.NoError(t, err)
		assert.Equal(t, data, dec)
	}
}

func TestRLEFrameRoundtrip(t *testing.T) {
	desc := &ImageDescriptor{Rows: 8, Columns: 8, SamplesPerPixel: 1, BitsAllocated: 16, NumberOfFrames: 1}
	native := rampPixels(desc.FrameLength())
	encoded, err := rleEncodeFrame(desc, native)
	require.NoError(t, err)
	decoded, err := rleDecodeFrame(desc, encoded)
	require.NoError(t, err)
	assert.Equal(t, native, decoded)
}

func TestSuitableDowngrade(t *testing.T) {
	desc8 := &ImageDescriptor{SamplesPerPixel: 1, BitsAllocated: 8}
	ts, down := Suitable(desc8, JPEGBaseline)
	assert.Equal(t, JPEGBaseline, ts)
	assert.False(t, down)

	descSigned := &ImageDescriptor{SamplesPerPixel: 1, BitsAllocated: 16, PixelRepresentation: 1}
	ts, down = Suitable(descSigned, JPEGBaseline)
	assert.Equal(t, ExplicitVRLittleEndian, ts)
	assert.True(t, down)

	ts, down = Suitable(desc8, "1.2.840.10008.1.2.4.70")
	assert.Equal(t, ExplicitVRLittleEndian, ts)
	assert.True(t, down)

	ts, down = Suitable(desc8, RLELossless)
	assert.Equal(t, RLELossless, ts)
	assert.False(t, down)
}

func TestTranscodeNativeToRLEAndBack(t *testing.T) {
	pixels := rampPixels(4 * 4 * 2)
	ds := grayDataSet(t, 4, 4, 8, 2, pixels)

	res, err := Transcode(ds, ExplicitVRLittleEndian, RLELossless, Options{})
	require.NoError(t, err)
	assert.Equal(t, RLELossless, res.TransferSyntaxUID)
	assert.False(t, res.Downgraded)
	elem, err := res.DataSet.FindElementByTag(dicomtag.PixelData)
	require.NoError(t, err)
	assert.True(t, elem.UndefinedLength)
	info := elem.Value[0].(dicom.PixelDataInfo)
	assert.Len(t, info.Frames, 2)

	back, err := Transcode(res.DataSet, RLELossless, ExplicitVRLittleEndian, Options{})
	require.NoError(t, err)
	elem, err = back.DataSet.FindElementByTag(dicomtag.PixelData)
	require.NoError(t, err)
	assert.False(t, elem.UndefinedLength)
	info = elem.Value[0].(dicom.PixelDataInfo)
	require.Len(t, info.Frames, 1)
	assert.Equal(t, pixels, info.Frames[0])
}

func TestTranscodeToJPEGAdaptsTags(t *testing.T) {
	ds := grayDataSet(t, 8, 8, 8, 1, rampPixels(64))
	res, err := Transcode(ds, ExplicitVRLittleEndian, JPEGBaseline, Options{Quality: 90})
	require.NoError(t, err)
	assert.Equal(t, JPEGBaseline, res.TransferSyntaxUID)

	elem, err := res.DataSet.FindElementByTag(dicomtag.LossyImageCompression)
	require.NoError(t, err)
	v, err := elem.GetString()
	require.NoError(t, err)
	assert.Equal(t, "01", v)

	elem, err = res.DataSet.FindElementByTag(dicomtag.PixelData)
	require.NoError(t, err)
	info := elem.Value[0].(dicom.PixelDataInfo)
	require.Len(t, info.Frames, 1)
	assert.True(t, isJPEGStart(info.Frames[0]))
}

func TestTranscodeFrameEditor(t *testing.T) {
	ds := grayDataSet(t, 4, 4, 8, 1, rampPixels(16))
	edited := 0
	res, err := Transcode(ds, ExplicitVRLittleEndian, ExplicitVRLittleEndian, Options{
		FrameEditor: func(img draw.Image) {
			edited++
			draw.Draw(img, image.Rect(0, 0, 2, 2), image.Black, image.Point{}, draw.Src)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, edited)
	elem, err := res.DataSet.FindElementByTag(dicomtag.PixelData)
	require.NoError(t, err)
	info := elem.Value[0].(dicom.PixelDataInfo)
	assert.Zero(t, info.Frames[0][0])
	assert.Zero(t, info.Frames[0][1])
}

func TestTranscodeWithoutPixelData(t *testing.T) {
	ds := &dicom.DataSet{Elements: []*dicom.Element{
		dicom.MustNewElement(dicomtag.PatientName, "DOE^JANE"),
	}}
	res, err := Transcode(ds, ExplicitVRLittleEndian, RLELossless, Options{})
	require.NoError(t, err)
	assert.Same(t, ds, res.DataSet)
}

func TestLookupTableMemoized(t *testing.T) {
	p := LutParameters{RescaleSlope: 1, BitsStored: 12, OutputBits: 8}
	a := LookupTable(p)
	b := LookupTable(p)
	require.Len(t, a, 1<<12)
	// Memoized: the same backing slice comes back.
	assert.Equal(t, &a[0], &b[0])
	assert.EqualValues(t, 0, a[0])
	assert.EqualValues(t, 255, a[len(a)-1])
}
