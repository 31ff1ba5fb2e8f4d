package transcode

import (
	"errors"
	"fmt"
)

// ErrFrameMappingFailed means the fragments of an encapsulated pixel-data
// element could not be assigned to frames.
var ErrFrameMappingFailed = errors.New("transcode: cannot map fragments to frames")

// splitBulkFrames cuts a contiguous native pixel buffer into
// NumberOfFrames runs of FrameLength bytes each.
func splitBulkFrames(desc *ImageDescriptor, bulk []byte) ([][]byte, error) {
	frameLen := desc.FrameLength()
	if frameLen <= 0 {
		return nil, fmt.Errorf("transcode: frame length %d", frameLen)
	}
	if len(bulk) < frameLen*desc.NumberOfFrames {
		return nil, fmt.Errorf("transcode: pixel data holds %d bytes, %d frames need %d",
			len(bulk), desc.NumberOfFrames, frameLen*desc.NumberOfFrames)
	}
	frames := make([][]byte, desc.NumberOfFrames)
	for i := range frames {
		frames[i] = bulk[i*frameLen : (i+1)*frameLen]
	}
	return frames, nil
}

// mapFragmentsToFrames groups encapsulated fragments into per-frame byte
// blobs. offsets is the decoded Basic Offset Table, possibly empty.
//
// Single-frame images take all fragments. For multi-frame images, a full
// BOT decides the grouping; RLE is defined as one fragment per frame; for
// JPEG-family syntaxes the fragments that start a valid JPEG stream mark
// frame boundaries. A mapping that does not produce exactly NumberOfFrames
// frames fails with ErrFrameMappingFailed.
func mapFragmentsToFrames(
	desc *ImageDescriptor, transferSyntaxUID string,
	offsets []uint32, fragments [][]byte) ([][]byte, error) {
	if len(fragments) == 0 {
		return nil, fmt.Errorf("transcode: encapsulated pixel data has no fragments")
	}
	if desc.NumberOfFrames == 1 {
		return [][]byte{concatFragments(fragments)}, nil
	}
	if transferSyntaxUID == RLELossless {
		if len(fragments) != desc.NumberOfFrames {
			return nil, fmt.Errorf("%w: RLE with %d fragments for %d frames",
				ErrFrameMappingFailed, len(fragments), desc.NumberOfFrames)
		}
		return fragments, nil
	}
	starts := frameStartsFromOffsets(offsets, fragments)
	if starts == nil {
		starts = jpegFrameStarts(fragments)
	}
	if len(starts) != desc.NumberOfFrames {
		return nil, fmt.Errorf("%w: found %d frame starts for %d frames",
			ErrFrameMappingFailed, len(starts), desc.NumberOfFrames)
	}
	frames := make([][]byte, len(starts))
	for i, start := range starts {
		end := len(fragments)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		frames[i] = concatFragments(fragments[start:end])
	}
	return frames, nil
}

func concatFragments(fragments [][]byte) []byte {
	if len(fragments) == 1 {
		return fragments[0]
	}
	total := 0
	for _, f := range fragments {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range fragments {
		out = append(out, f...)
	}
	return out
}

// frameStartsFromOffsets translates BOT offsets into fragment indices. BOT
// offsets address the first byte of each frame's first item header within
// the pixel-data stream; each fragment contributes its 8-byte item header
// plus its payload. Nil when the table is absent or inconsistent.
func frameStartsFromOffsets(offsets []uint32, fragments [][]byte) []int {
	if len(offsets) == 0 {
		return nil
	}
	byOffset := map[uint32]int{}
	pos := uint32(0)
	for i, f := range fragments {
		byOffset[pos] = i
		pos += 8 + uint32(len(f))
	}
	starts := make([]int, 0, len(offsets))
	for _, off := range offsets {
		idx, ok := byOffset[off]
		if !ok {
			return nil
		}
		starts = append(starts, idx)
	}
	return starts
}

// jpegFrameStarts returns the indices of fragments that begin a plausible
// JPEG stream: an SOI marker followed by a well-formed marker sequence
// reaching a start-of-frame.
func jpegFrameStarts(fragments [][]byte) []int {
	var starts []int
	for i, f := range fragments {
		if isJPEGStart(f) {
			starts = append(starts, i)
		}
	}
	return starts
}

// isJPEGStart speculatively parses marker segments. Entropy-coded data
// never follows SOI directly, so walking length-prefixed segments until a
// SOFn marker is cheap and unambiguous.
func isJPEGStart(data []byte) bool {
	if len(data) < 4 || data[0] != 0xff || data[1] != 0xd8 { // SOI
		return false
	}
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xff {
			return false
		}
		marker := data[pos+1]
		switch {
		case marker == 0xd8 || marker == 0x01 || (marker >= 0xd0 && marker <= 0xd7):
			// Standalone marker, no length.
			pos += 2
			continue
		case marker >= 0xc0 && marker <= 0xcf && marker != 0xc4 && marker != 0xc8 && marker != 0xcc:
			// SOFn: the stream is a JPEG image.
			return true
		case marker == 0xd9: // EOI before any SOF
			return false
		}
		segLen := int(data[pos+2])<<8 | int(data[pos+3])
		if segLen < 2 {
			return false
		}
		pos += 2 + segLen
	}
	return false
}
