package transcode

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
)

// Codec converts between frame bytes in some transfer syntax and an
// in-memory image. It is the single place that knows about compression
// formats; the rest of the pipeline deals in images.
type Codec struct {
	// Quality is the baseline JPEG quality, 1 to 100. Zero means
	// jpeg.DefaultQuality.
	Quality int
}

// Decode turns one frame's bytes into a mutable image.
func (c *Codec) Decode(desc *ImageDescriptor, transferSyntaxUID string, frame []byte) (draw.Image, error) {
	switch transferSyntaxUID {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian:
		return nativeToImage(desc, frame)
	case JPEGBaseline:
		img, err := jpeg.Decode(bytes.NewReader(frame))
		if err != nil {
			return nil, fmt.Errorf("transcode: jpeg decode: %w", err)
		}
		return toDrawImage(desc, img), nil
	case RLELossless:
		native, err := rleDecodeFrame(desc, frame)
		if err != nil {
			return nil, err
		}
		return nativeToImage(desc, native)
	}
	return nil, fmt.Errorf("transcode: no decoder for transfer syntax %v", transferSyntaxUID)
}

// Encode renders an image as one frame's bytes in the given transfer
// syntax. Native output is always interleaved little endian.
func (c *Codec) Encode(desc *ImageDescriptor, transferSyntaxUID string, img image.Image) ([]byte, error) {
	switch transferSyntaxUID {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian:
		return imageToNative(desc, img)
	case JPEGBaseline:
		quality := c.Quality
		if quality == 0 {
			quality = jpeg.DefaultQuality
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, flattenTo8Bit(desc, img), &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("transcode: jpeg encode: %w", err)
		}
		return buf.Bytes(), nil
	case RLELossless:
		native, err := imageToNative(desc, img)
		if err != nil {
			return nil, err
		}
		return rleEncodeFrame(desc, native)
	}
	return nil, fmt.Errorf("transcode: no encoder for transfer syntax %v", transferSyntaxUID)
}

// nativeToImage wraps raw little-endian interleaved samples.
func nativeToImage(desc *ImageDescriptor, frame []byte) (draw.Image, error) {
	if len(frame) < desc.FrameLength() {
		return nil, fmt.Errorf("transcode: frame holds %d bytes, geometry needs %d",
			len(frame), desc.FrameLength())
	}
	rect := image.Rect(0, 0, desc.Columns, desc.Rows)
	switch {
	case desc.SamplesPerPixel == 1 && desc.BitsAllocated == 8:
		img := image.NewGray(rect)
		copy(img.Pix, frame)
		return img, nil
	case desc.SamplesPerPixel == 1 && desc.BitsAllocated == 16:
		img := image.NewGray16(rect)
		// Gray16.Pix is big endian.
		for i := 0; i+1 < len(img.Pix) && i+1 < len(frame); i += 2 {
			img.Pix[i] = frame[i+1]
			img.Pix[i+1] = frame[i]
		}
		return img, nil
	case desc.SamplesPerPixel == 3 && desc.BitsAllocated == 8:
		img := image.NewNRGBA(rect)
		n := desc.Rows * desc.Columns
		for p := 0; p < n; p++ {
			var r, g, b byte
			if desc.PlanarConfiguration == 1 {
				r, g, b = frame[p], frame[n+p], frame[2*n+p]
			} else {
				r, g, b = frame[3*p], frame[3*p+1], frame[3*p+2]
			}
			img.Pix[4*p+0] = r
			img.Pix[4*p+1] = g
			img.Pix[4*p+2] = b
			img.Pix[4*p+3] = 0xff
		}
		return img, nil
	}
	return nil, fmt.Errorf("transcode: unsupported geometry: %d samples, %d bits",
		desc.SamplesPerPixel, desc.BitsAllocated)
}

func imageToNative(desc *ImageDescriptor, img image.Image) ([]byte, error) {
	switch {
	case desc.SamplesPerPixel == 1 && desc.BitsAllocated == 8:
		gray, ok := img.(*image.Gray)
		if !ok {
			gray = image.NewGray(img.Bounds())
			draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)
		}
		out := make([]byte, desc.FrameLength())
		copy(out, gray.Pix)
		return out, nil
	case desc.SamplesPerPixel == 1 && desc.BitsAllocated == 16:
		gray, ok := img.(*image.Gray16)
		if !ok {
			gray = image.NewGray16(img.Bounds())
			draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)
		}
		out := make([]byte, desc.FrameLength())
		for i := 0; i+1 < len(out) && i+1 < len(gray.Pix); i += 2 {
			out[i] = gray.Pix[i+1] // to little endian
			out[i+1] = gray.Pix[i]
		}
		return out, nil
	case desc.SamplesPerPixel == 3 && desc.BitsAllocated == 8:
		rgba, ok := img.(*image.NRGBA)
		if !ok {
			rgba = image.NewNRGBA(img.Bounds())
			draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
		}
		n := desc.Rows * desc.Columns
		out := make([]byte, desc.FrameLength())
		for p := 0; p < n; p++ {
			out[3*p+0] = rgba.Pix[4*p+0]
			out[3*p+1] = rgba.Pix[4*p+1]
			out[3*p+2] = rgba.Pix[4*p+2]
		}
		return out, nil
	}
	return nil, fmt.Errorf("transcode: unsupported geometry: %d samples, %d bits",
		desc.SamplesPerPixel, desc.BitsAllocated)
}

// toDrawImage copies an arbitrary decoded image into a mutable form that
// matches the descriptor's sample layout.
func toDrawImage(desc *ImageDescriptor, img image.Image) draw.Image {
	if d, ok := img.(draw.Image); ok {
		return d
	}
	var dst draw.Image
	if desc.SamplesPerPixel == 1 {
		dst = image.NewGray(img.Bounds())
	} else {
		dst = image.NewNRGBA(img.Bounds())
	}
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst
}

// flattenTo8Bit reduces 16-bit grayscale through the memoized lookup table
// so baseline JPEG gets the 8-bit samples it requires. 8-bit images pass
// through.
func flattenTo8Bit(desc *ImageDescriptor, img image.Image) image.Image {
	gray16, ok := img.(*image.Gray16)
	if !ok {
		return img
	}
	table := LookupTable(LutParameters{
		RescaleSlope: 1,
		BitsStored:   desc.BitsStored,
		Signed:       desc.Signed(),
		OutputBits:   8,
		Inverse:      desc.PhotometricInterpretation == "MONOCHROME1",
	})
	mask := uint32(1)<<desc.BitsStored - 1
	out := image.NewGray(gray16.Bounds())
	for y := gray16.Bounds().Min.Y; y < gray16.Bounds().Max.Y; y++ {
		for x := gray16.Bounds().Min.X; x < gray16.Bounds().Max.X; x++ {
			v := uint32(gray16.Gray16At(x, y).Y) & mask
			out.SetGray(x, y, color.Gray{Y: uint8(table[v] & 0xff)})
		}
	}
	return out
}
