package transcode

import (
	"encoding/binary"
	"fmt"
)

// RLE Lossless per PS3.5 Annex G: a 64-byte header (segment count plus up
// to 15 offsets, little endian) followed by PackBits-coded segments, one
// per byte plane. Multi-byte samples split MSB-first into planes; native
// samples are little endian, so plane order and byte order run opposite.

const rleHeaderSize = 64

func rleSegmentCount(desc *ImageDescriptor) int {
	return desc.SamplesPerPixel * desc.BitsAllocated / 8
}

func rleDecodeFrame(desc *ImageDescriptor, frame []byte) ([]byte, error) {
	if len(frame) < rleHeaderSize {
		return nil, fmt.Errorf("transcode: rle frame of %d bytes has no header", len(frame))
	}
	numSegments := int(binary.LittleEndian.Uint32(frame[0:4]))
	want := rleSegmentCount(desc)
	if numSegments != want {
		return nil, fmt.Errorf("transcode: rle frame has %d segments, geometry needs %d", numSegments, want)
	}
	pixels := desc.Rows * desc.Columns
	planes := make([][]byte, numSegments)
	for s := 0; s < numSegments; s++ {
		start := binary.LittleEndian.Uint32(frame[4+4*s : 8+4*s])
		end := uint32(len(frame))
		if s+1 < numSegments {
			end = binary.LittleEndian.Uint32(frame[8+4*s : 12+4*s])
		}
		if start < rleHeaderSize || start > end || end > uint32(len(frame)) {
			return nil, fmt.Errorf("transcode: rle segment %d bounds [%d,%d) invalid", s, start, end)
		}
		plane, err := packBitsDecode(frame[start:end], pixels)
		if err != nil {
			return nil, fmt.Errorf("transcode: rle segment %d: %w", s, err)
		}
		planes[s] = plane
	}
	return planesToNative(desc, planes), nil
}

func rleEncodeFrame(desc *ImageDescriptor, native []byte) ([]byte, error) {
	numSegments := rleSegmentCount(desc)
	if numSegments > 15 {
		return nil, fmt.Errorf("transcode: %d rle segments exceed the format maximum", numSegments)
	}
	planes := nativeToPlanes(desc, native)
	out := make([]byte, rleHeaderSize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(numSegments))
	for s, plane := range planes {
		binary.LittleEndian.PutUint32(out[4+4*s:8+4*s], uint32(len(out)))
		seg := packBitsEncode(plane)
		if len(seg)%2 == 1 {
			seg = append(seg, 0) // segments are even-length padded
		}
		out = append(out, seg...)
	}
	return out, nil
}

// planesToNative interleaves byte planes back into little-endian samples.
// Plane 0 carries the most significant byte.
func planesToNative(desc *ImageDescriptor, planes [][]byte) []byte {
	pixels := desc.Rows * desc.Columns
	bytesPerSample := desc.BitsAllocated / 8
	out := make([]byte, desc.FrameLength())
	for sample := 0; sample < desc.SamplesPerPixel; sample++ {
		for b := 0; b < bytesPerSample; b++ {
			plane := planes[sample*bytesPerSample+b]
			// b counts from MSB; little-endian position inverts it.
			lePos := bytesPerSample - 1 - b
			for p := 0; p < pixels; p++ {
				out[(p*desc.SamplesPerPixel+sample)*bytesPerSample+lePos] = plane[p]
			}
		}
	}
	return out
}

func nativeToPlanes(desc *ImageDescriptor, native []byte) [][]byte {
	pixels := desc.Rows * desc.Columns
	bytesPerSample := desc.BitsAllocated / 8
	planes := make([][]byte, rleSegmentCount(desc))
	for i := range planes {
		planes[i] = make([]byte, pixels)
	}
	for sample := 0; sample < desc.SamplesPerPixel; sample++ {
		for b := 0; b < bytesPerSample; b++ {
			lePos := bytesPerSample - 1 - b
			plane := planes[sample*bytesPerSample+b]
			for p := 0; p < pixels; p++ {
				plane[p] = native[(p*desc.SamplesPerPixel+sample)*bytesPerSample+lePos]
			}
		}
	}
	return planes
}

// packBitsDecode expands one segment to exactly want bytes.
func packBitsDecode(data []byte, want int) ([]byte, error) {
	out := make([]byte, 0, want)
	i := 0
	for i < len(data) && len(out) < want {
		n := int(int8(data[i]))
		i++
		switch {
		case n >= 0: // literal run of n+1 bytes
			if i+n+1 > len(data) {
				return nil, fmt.Errorf("truncated literal run")
			}
			out = append(out, data[i:i+n+1]...)
			i += n + 1
		case n >= -127: // replicate next byte 1-n times
			if i >= len(data) {
				return nil, fmt.Errorf("truncated replicate run")
			}
			for j := 0; j < 1-n; j++ {
				out = append(out, data[i])
			}
			i++
		default: // -128: no-op
		}
	}
	if len(out) < want {
		return nil, fmt.Errorf("segment decodes to %d of %d bytes", len(out), want)
	}
	return out[:want], nil
}

func packBitsEncode(data []byte) []byte {
	var out []byte
	i := 0
	for i < len(data) {
		// Measure the replicate run at i.
		run := 1
		for i+run < len(data) && data[i+run] == data[i] && run < 128 {
			run++
		}
		if run >= 2 {
			out = append(out, byte(int8(1-run)), data[i])
			i += run
			continue
		}
		// Literal run up to the next 3-byte replicate or 128 bytes.
		start := i
		for i < len(data) && i-start < 128 {
			if i+2 < len(data) && data[i] == data[i+1] && data[i] == data[i+2] {
				break
			}
			i++
		}
		out = append(out, byte(i-start-1))
		out = append(out, data[start:i]...)
	}
	return out
}
