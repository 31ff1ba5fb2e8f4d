package dcmnet

import (
	"encoding/binary"
	"strings"

	"github.com/grailbio/go-dicom/dicomio"
	"github.com/openradx/dcmnet/dimse"
)

func doassert(x bool) {
	if !x {
		panic("doassert")
	}
}

// aeTitlesEqual compares AE titles ignoring the space padding mandated by the
// wire format.
func aeTitlesEqual(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// encodeDIMSECommand serializes a command set in implicit VR little endian.
func encodeDIMSECommand(msg dimse.Message) ([]byte, error) {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dimse.EncodeMessage(e, msg)
	if err := e.Error(); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}
