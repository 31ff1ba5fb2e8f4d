// Package transcode re-encodes the pixel data of a DICOM dataset from one
// transfer syntax to another: native little endian, baseline JPEG, and RLE
// lossless. The pipeline extracts frames, decodes them through a codec
// facade, optionally lets the caller mutate each frame image, and emits
// either a raw or an encapsulated pixel-data element.
package transcode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
)

// Transfer syntaxes the pipeline knows how to produce.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	JPEGBaseline           = "1.2.840.10008.1.2.4.50"
	RLELossless            = "1.2.840.10008.1.2.5"
)

// ImageDescriptor captures the pixel-module attributes that govern frame
// geometry. It is derived once per dataset and consulted throughout the
// pipeline.
type ImageDescriptor struct {
	Rows                      int
	Columns                   int
	SamplesPerPixel           int
	BitsAllocated             int
	BitsStored                int
	HighBit                   int
	PixelRepresentation       int // 1 = two's complement
	PlanarConfiguration       int
	NumberOfFrames            int
	PhotometricInterpretation string
}

// NewImageDescriptor reads the pixel-module attributes. Rows, Columns,
// BitsAllocated, and SamplesPerPixel are required; the rest default the way
// the standard does.
func NewImageDescriptor(ds *dicom.DataSet) (*ImageDescriptor, error) {
	desc := &ImageDescriptor{
		SamplesPerPixel: 1,
		NumberOfFrames:  1,
	}
	var err error
	if desc.Rows, err = intAttr(ds, dicomtag.Rows); err != nil {
		return nil, fmt.Errorf("transcode: %w", err)
	}
	if desc.Columns, err = intAttr(ds, dicomtag.Columns); err != nil {
		return nil, fmt.Errorf("transcode: %w", err)
	}
	if desc.BitsAllocated, err = intAttr(ds, dicomtag.BitsAllocated); err != nil {
		return nil, fmt.Errorf("transcode: %w", err)
	}
	if n, err := intAttr(ds, dicomtag.SamplesPerPixel); err == nil {
		desc.SamplesPerPixel = n
	}
	if n, err := intAttr(ds, dicomtag.BitsStored); err == nil {
		desc.BitsStored = n
	} else {
		desc.BitsStored = desc.BitsAllocated
	}
	if n, err := intAttr(ds, dicomtag.HighBit); err == nil {
		desc.HighBit = n
	} else {
		desc.HighBit = desc.BitsStored - 1
	}
	if n, err := intAttr(ds, dicomtag.PixelRepresentation); err == nil {
		desc.PixelRepresentation = n
	}
	if n, err := intAttr(ds, dicomtag.PlanarConfiguration); err == nil {
		desc.PlanarConfiguration = n
	}
	if n, err := intAttr(ds, dicomtag.NumberOfFrames); err == nil && n > 0 {
		desc.NumberOfFrames = n
	}
	if elem, err := ds.FindElementByTag(dicomtag.PhotometricInterpretation); err == nil {
		if s, err := elem.GetString(); err == nil {
			desc.PhotometricInterpretation = strings.TrimSpace(s)
		}
	}
	if desc.BitsAllocated != 8 && desc.BitsAllocated != 16 {
		return nil, fmt.Errorf("transcode: unsupported bits allocated %d", desc.BitsAllocated)
	}
	if desc.SamplesPerPixel != 1 && desc.SamplesPerPixel != 3 {
		return nil, fmt.Errorf("transcode: unsupported samples per pixel %d", desc.SamplesPerPixel)
	}
	return desc, nil
}

// FrameLength is the byte length of one native frame.
func (d *ImageDescriptor) FrameLength() int {
	return d.Rows * d.Columns * d.SamplesPerPixel * d.BitsAllocated / 8
}

// Signed reports whether samples are two's complement.
func (d *ImageDescriptor) Signed() bool { return d.PixelRepresentation == 1 }

// intAttr reads an integer attribute. Some of these travel as US, some as
// IS strings, depending on the writer; accept both forms.
func intAttr(ds *dicom.DataSet, tag dicomtag.Tag) (int, error) {
	elem, err := ds.FindElementByTag(tag)
	if err != nil {
		return 0, err
	}
	if v, err := elem.GetUInt16(); err == nil {
		return int(v), nil
	}
	s, err := elem.GetString()
	if err != nil {
		return 0, fmt.Errorf("%s: not an integer", tag.String())
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%s: %v", tag.String(), err)
	}
	return n, nil
}
