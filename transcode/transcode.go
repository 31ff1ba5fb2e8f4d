package transcode

import (
	"fmt"
	"image/draw"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/grailbio/go-dicom/dicomuid"
	"v.io/x/lib/vlog"
)

// FrameEditor mutates one decoded frame in place, e.g. to mask burned-in
// annotations. It runs between decode and re-encode.
type FrameEditor func(draw.Image)

// Options tunes a pipeline run.
type Options struct {
	// Quality is the baseline JPEG quality. Zero means the codec
	// default.
	Quality int

	// FrameEditor, when non-nil, runs on every frame.
	FrameEditor FrameEditor
}

// Result is a completed pipeline run.
type Result struct {
	// DataSet holds the re-encoded pixel data and adapted tags.
	DataSet *dicom.DataSet

	// TransferSyntaxUID is the syntax actually produced. It differs from
	// the requested one when the image forced a downgrade; the caller
	// must negotiate a presentation context with this value.
	TransferSyntaxUID string

	Downgraded bool
}

// Suitable reports the transfer syntax the pipeline can actually produce
// for this image, downgrading when the requested one cannot carry it. The
// bool is true when a downgrade happened.
func Suitable(desc *ImageDescriptor, destTransferSyntaxUID string) (string, bool) {
	switch destTransferSyntaxUID {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian, RLELossless:
		return destTransferSyntaxUID, false
	case JPEGBaseline:
		// Baseline carries 8-bit unsigned samples. 16-bit grayscale is
		// flattened through the LUT, which loses precision; color
		// already fits.
		if desc.BitsAllocated == 8 && !desc.Signed() {
			return destTransferSyntaxUID, false
		}
		if desc.SamplesPerPixel == 1 && desc.BitsAllocated == 16 && !desc.Signed() {
			return destTransferSyntaxUID, false
		}
		return ExplicitVRLittleEndian, true
	}
	return ExplicitVRLittleEndian, true
}

// Transcode re-encodes ds's pixel data from sourceTransferSyntaxUID to
// destTransferSyntaxUID (or the nearest suitable syntax). Datasets without
// pixel data pass through untouched.
func Transcode(ds *dicom.DataSet, sourceTransferSyntaxUID, destTransferSyntaxUID string, opts Options) (*Result, error) {
	pixelElem, err := ds.FindElementByTag(dicomtag.PixelData)
	if err != nil {
		return &Result{DataSet: ds, TransferSyntaxUID: destTransferSyntaxUID}, nil
	}
	desc, err := NewImageDescriptor(ds)
	if err != nil {
		return nil, err
	}
	suitable, downgraded := Suitable(desc, destTransferSyntaxUID)
	if downgraded {
		vlog.Infof("transcode: %v cannot carry %d-bit/%d-sample image, producing %v instead",
			dicomuid.UIDString(destTransferSyntaxUID), desc.BitsAllocated, desc.SamplesPerPixel,
			dicomuid.UIDString(suitable))
	}
	if suitable == sourceTransferSyntaxUID && opts.FrameEditor == nil {
		return &Result{DataSet: ds, TransferSyntaxUID: suitable, Downgraded: downgraded}, nil
	}

	inFrames, err := extractFrames(desc, sourceTransferSyntaxUID, pixelElem)
	if err != nil {
		return nil, err
	}
	codec := &Codec{Quality: opts.Quality}
	outFrames := make([][]byte, len(inFrames))
	for i, frame := range inFrames {
		img, err := codec.Decode(desc, sourceTransferSyntaxUID, frame)
		if err != nil {
			return nil, fmt.Errorf("transcode: frame %d: %w", i, err)
		}
		if opts.FrameEditor != nil {
			opts.FrameEditor(img)
		}
		outFrames[i], err = codec.Encode(desc, suitable, img)
		if err != nil {
			return nil, fmt.Errorf("transcode: frame %d: %w", i, err)
		}
	}
	out, err := rebuildDataSet(ds, desc, suitable, outFrames)
	if err != nil {
		return nil, err
	}
	return &Result{DataSet: out, TransferSyntaxUID: suitable, Downgraded: downgraded}, nil
}

// extractFrames splits the pixel element into per-frame byte runs using
// the bulk or encapsulated rules.
func extractFrames(desc *ImageDescriptor, sourceTransferSyntaxUID string, elem *dicom.Element) ([][]byte, error) {
	if len(elem.Value) != 1 {
		return nil, fmt.Errorf("transcode: pixel data element has %d values", len(elem.Value))
	}
	info, ok := elem.Value[0].(dicom.PixelDataInfo)
	if !ok {
		return nil, fmt.Errorf("transcode: pixel data value is %T", elem.Value[0])
	}
	if elem.UndefinedLength {
		return mapFragmentsToFrames(desc, sourceTransferSyntaxUID, info.Offsets, info.Frames)
	}
	if len(info.Frames) != 1 {
		return nil, fmt.Errorf("transcode: defined-length pixel data with %d runs", len(info.Frames))
	}
	return splitBulkFrames(desc, info.Frames[0])
}

func isEncapsulated(transferSyntaxUID string) bool {
	return transferSyntaxUID != ImplicitVRLittleEndian && transferSyntaxUID != ExplicitVRLittleEndian
}

// rebuildDataSet copies ds, substituting the pixel element and adapting
// the pixel-module tags to the produced encoding.
func rebuildDataSet(ds *dicom.DataSet, desc *ImageDescriptor, transferSyntaxUID string, frames [][]byte) (*dicom.DataSet, error) {
	replacements, err := adaptedElements(desc, transferSyntaxUID, frames)
	if err != nil {
		return nil, err
	}
	byTag := map[dicomtag.Tag]*dicom.Element{}
	for _, e := range replacements {
		byTag[e.Tag] = e
	}
	out := &dicom.DataSet{}
	for _, elem := range ds.Elements {
		if elem.Tag == dicomtag.TransferSyntaxUID {
			out.Elements = append(out.Elements,
				dicom.MustNewElement(dicomtag.TransferSyntaxUID, transferSyntaxUID))
			continue
		}
		if repl, ok := byTag[elem.Tag]; ok {
			out.Elements = append(out.Elements, repl)
			delete(byTag, elem.Tag)
			continue
		}
		out.Elements = append(out.Elements, elem)
	}
	// Elements the source never had, e.g. the lossy compression flag.
	for _, e := range replacements {
		if _, pending := byTag[e.Tag]; pending {
			out.Elements = append(out.Elements, e)
		}
	}
	return out, nil
}

func adaptedElements(desc *ImageDescriptor, transferSyntaxUID string, frames [][]byte) ([]*dicom.Element, error) {
	var elems []*dicom.Element
	if isEncapsulated(transferSyntaxUID) {
		elems = append(elems, &dicom.Element{
			Tag:             dicomtag.PixelData,
			VR:              "OB",
			UndefinedLength: true,
			Value: []interface{}{dicom.PixelDataInfo{
				// Empty basic offset table item.
				Offsets: nil,
				Frames:  frames,
			}},
		})
	} else {
		bulk := concatFragments(frames)
		vr := "OW"
		if desc.BitsAllocated == 8 {
			vr = "OB"
		}
		elems = append(elems, &dicom.Element{
			Tag:   dicomtag.PixelData,
			VR:    vr,
			Value: []interface{}{dicom.PixelDataInfo{Frames: [][]byte{bulk}}},
		})
		elems = append(elems,
			dicom.MustNewElement(dicomtag.PlanarConfiguration, uint16(0)))
	}
	if transferSyntaxUID == JPEGBaseline {
		bits := uint16(8)
		elems = append(elems,
			dicom.MustNewElement(dicomtag.BitsAllocated, bits),
			dicom.MustNewElement(dicomtag.BitsStored, bits),
			dicom.MustNewElement(dicomtag.HighBit, uint16(7)),
			dicom.MustNewElement(dicomtag.PlanarConfiguration, uint16(0)),
			dicom.MustNewElement(dicomtag.LossyImageCompression, "01"),
			dicom.MustNewElement(dicomtag.LossyImageCompressionRatio,
				compressionRatio(desc, frames)))
		if desc.SamplesPerPixel == 3 {
			// image/jpeg writes YCbCr color.
			elems = append(elems,
				dicom.MustNewElement(dicomtag.PhotometricInterpretation, "YBR_FULL_422"))
		}
	}
	return elems, nil
}

func compressionRatio(desc *ImageDescriptor, frames [][]byte) string {
	compressed := 0
	for _, f := range frames {
		compressed += len(f)
	}
	if compressed == 0 {
		return "1"
	}
	original := desc.FrameLength() * desc.NumberOfFrames
	return fmt.Sprintf("%.2f", float64(original)/float64(compressed))
}
