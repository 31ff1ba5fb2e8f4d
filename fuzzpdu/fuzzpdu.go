// Package fuzzpdu feeds arbitrary bytes to the two wire decoders. Both must
// reject garbage with an error, never a panic.
package fuzzpdu

import (
	"bytes"

	"github.com/grailbio/go-dicom/dicomio"

	"github.com/openradx/dcmnet/dimse"
	"github.com/openradx/dcmnet/pdu"
)

// Fuzz is the go-fuzz entry point. The first byte steers the input either to
// the PDU framing decoder or to the DIMSE command-set decoder.
func Fuzz(data []byte) int {
	if len(data) == 0 || data[0] <= 0xc0 {
		pdu.ReadPDU(bytes.NewReader(data), 4<<20)
		return 0
	}
	d := dicomio.NewBytesDecoder(data, nil, dicomio.UnknownVR)
	dimse.ReadMessage(d)
	return 0
}
