// Package storescu sends DICOM files to a remote storage provider. It
// works in two phases: Scan walks the given roots, identifies DICOM (and
// native-model XML) objects, and records a manifest plus the presentation
// contexts the association must offer; Send opens one association covering
// the whole batch and issues a C-STORE per manifest row.
package storescu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/grailbio/go-dicom/dicomuid"
	"v.io/x/lib/vlog"
)

var dicomPrefix = []byte("DICM")

// FileEntry is one manifest row: a sendable object and the negotiation
// facts learned about it during the scan.
type FileEntry struct {
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
	// MetaEnd is the byte offset where the file meta group ends and the
	// dataset proper begins. Zero for files without a Part-10 header.
	MetaEnd int64
	Path    string
	Size    int64
	// XML marks native-model XML files, which are re-encoded at send
	// time rather than streamed.
	XML bool
}

// ScanResult aggregates one pre-association scan.
type ScanResult struct {
	Entries []FileEntry

	// ManifestPath is a uuid-named temp file holding one
	// iuid\tcuid\ttsuid\tmetaEnd\tpath line per entry.
	ManifestPath string

	// ContextClasses and ContextSyntaxes describe the presentation
	// contexts to offer: every distinct SOP class seen, and the union of
	// the source transfer syntaxes plus the two little-endian defaults.
	ContextClasses  []string
	ContextSyntaxes []string

	Skipped int
}

// ScanOptions tunes a Scan.
type ScanOptions struct {
	// Printout, when non-nil, receives "." per scanned file and "I" per
	// skipped one.
	Printout io.Writer
}

// Scan walks roots recursively and builds the send manifest. Unreadable or
// non-DICOM files are skipped, never fatal; an error is returned only when
// a root itself cannot be walked or the manifest cannot be written.
func Scan(roots []string, opts ScanOptions) (*ScanResult, error) {
	result := &ScanResult{}
	classSeen := map[string]bool{}
	syntaxSeen := map[string]bool{}
	addSyntax := func(uid string) {
		if !syntaxSeen[uid] {
			syntaxSeen[uid] = true
			result.ContextSyntaxes = append(result.ContextSyntaxes, uid)
		}
	}
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			entry, ok := scanFile(path)
			if !ok {
				result.Skipped++
				printout(opts.Printout, "I")
				return nil
			}
			result.Entries = append(result.Entries, entry)
			if !classSeen[entry.SOPClassUID] {
				classSeen[entry.SOPClassUID] = true
				result.ContextClasses = append(result.ContextClasses, entry.SOPClassUID)
				// A new class always gets the two defaults so the
				// peer can accept it even if it rejects the source
				// syntax.
				addSyntax(dicomuid.ExplicitVRLittleEndian)
				addSyntax(dicomuid.ImplicitVRLittleEndian)
			}
			addSyntax(entry.TransferSyntaxUID)
			printout(opts.Printout, ".")
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("storescu: scan %v: %w", root, err)
		}
	}
	manifestPath, err := writeManifest(result.Entries)
	if err != nil {
		return nil, err
	}
	result.ManifestPath = manifestPath
	return result, nil
}

func printout(w io.Writer, s string) {
	if w != nil {
		io.WriteString(w, s)
	}
}

func writeManifest(entries []FileEntry) (string, error) {
	path := filepath.Join(os.TempDir(), "storescu-"+uuid.New().String()+".tsv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("storescu: manifest: %w", err)
	}
	for _, e := range entries {
		if _, err := fmt.Fprintf(f, "%s\t%s\t%s\t%d\t%s\n",
			e.SOPInstanceUID, e.SOPClassUID, e.TransferSyntaxUID, e.MetaEnd, e.Path); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("storescu: manifest: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("storescu: manifest: %w", err)
	}
	return path, nil
}

// scanFile classifies one candidate. The bool result is false for anything
// that is not a sendable DICOM object.
func scanFile(path string) (FileEntry, bool) {
	if strings.EqualFold(filepath.Ext(path), ".xml") {
		return scanXMLFile(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		vlog.VI(1).Infof("storescu: %v: %v", path, err)
		return FileEntry{}, false
	}
	entry := FileEntry{Path: path, Size: int64(len(data))}
	if hasPart10Header(data) {
		metaEnd, err := fileMetaEnd(data)
		if err != nil {
			vlog.Infof("storescu: %v: bad file meta: %v", path, err)
			return FileEntry{}, false
		}
		entry.MetaEnd = metaEnd
		ds, err := dicom.ReadDataSetInBytes(data, dicom.ReadOptions{DropPixelData: true})
		if err != nil {
			vlog.Infof("storescu: %v: %v", path, err)
			return FileEntry{}, false
		}
		if !fillEntryFromDataSet(&entry, ds) {
			vlog.Infof("storescu: %v: missing SOP identifiers", path)
			return FileEntry{}, false
		}
		if entry.TransferSyntaxUID == "" {
			// File meta lacked a transfer syntax; the dataset after a
			// Part-10 header is explicit little endian by convention.
			entry.TransferSyntaxUID = dicomuid.ExplicitVRLittleEndian
		}
		return entry, true
	}
	// No Part-10 header. Treat the whole file as an implicit-VR-LE
	// dataset and synthesize the meta facts from it.
	ds, err := readBareDataSet(data, true)
	if err != nil {
		vlog.VI(1).Infof("storescu: %v: not DICOM: %v", path, err)
		return FileEntry{}, false
	}
	if !fillEntryFromDataSet(&entry, ds) {
		return FileEntry{}, false
	}
	entry.TransferSyntaxUID = dicomuid.ImplicitVRLittleEndian
	entry.MetaEnd = 0
	return entry, true
}

func hasPart10Header(data []byte) bool {
	return len(data) >= 132 && bytes.Equal(data[128:132], dicomPrefix)
}

// fileMetaEnd locates the end of group 2 using the
// FileMetaInformationGroupLength element, which by definition is the first
// element after the preamble.
func fileMetaEnd(data []byte) (int64, error) {
	const headerLen = 132
	d := dicomio.NewBytesDecoder(data[headerLen:], binary.LittleEndian, dicomio.ExplicitVR)
	elem := dicom.ReadElement(d, dicom.ReadOptions{})
	if err := d.Error(); err != nil {
		return 0, err
	}
	// (0002,0000) FileMetaInformationGroupLength.
	if elem.Tag != (dicomtag.Tag{Group: 2, Element: 0}) {
		return 0, fmt.Errorf("first meta element is %v, not group length", elem.Tag)
	}
	groupLen, err := elem.GetUInt32()
	if err != nil {
		return 0, err
	}
	consumed := int(d.BytesRead())
	end := int64(headerLen + consumed + int(groupLen))
	if end > int64(len(data)) {
		return 0, fmt.Errorf("meta group length %d overruns file", groupLen)
	}
	return end, nil
}

// readBareDataSet decodes a headerless byte stream as implicit VR little
// endian. With stopAfterIdentifiers, decoding ends once the SOP
// identifiers have been seen, which is all a scan needs.
func readBareDataSet(data []byte, stopAfterIdentifiers bool) (*dicom.DataSet, error) {
	d := dicomio.NewBytesDecoderWithTransferSyntax(data, dicomuid.ImplicitVRLittleEndian)
	ds := &dicom.DataSet{}
	haveClass, haveInstance := false, false
	for !d.EOF() {
		opts := dicom.ReadOptions{}
		if stopAfterIdentifiers {
			opts.DropPixelData = true
		}
		elem := dicom.ReadElement(d, opts)
		if err := d.Error(); err != nil {
			return nil, err
		}
		ds.Elements = append(ds.Elements, elem)
		switch elem.Tag {
		case dicomtag.SOPClassUID:
			haveClass = true
		case dicomtag.SOPInstanceUID:
			haveInstance = true
		}
		if stopAfterIdentifiers && haveClass && haveInstance {
			return ds, nil
		}
	}
	if !haveClass || !haveInstance {
		return nil, fmt.Errorf("no SOP identifiers found")
	}
	return ds, nil
}

// fillEntryFromDataSet pulls the SOP identifiers and transfer syntax,
// preferring the meta-group forms.
func fillEntryFromDataSet(entry *FileEntry, ds *dicom.DataSet) bool {
	entry.SOPInstanceUID = stringOr(ds, dicomtag.MediaStorageSOPInstanceUID, dicomtag.SOPInstanceUID)
	entry.SOPClassUID = stringOr(ds, dicomtag.MediaStorageSOPClassUID, dicomtag.SOPClassUID)
	if ts := stringOr(ds, dicomtag.TransferSyntaxUID); ts != "" {
		if canonical, err := dicomio.CanonicalTransferSyntaxUID(ts); err == nil {
			ts = canonical
		}
		entry.TransferSyntaxUID = ts
	}
	return entry.SOPInstanceUID != "" && entry.SOPClassUID != ""
}

func stringOr(ds *dicom.DataSet, tags ...dicomtag.Tag) string {
	for _, tag := range tags {
		if elem, err := ds.FindElementByTag(tag); err == nil {
			if s, err := elem.GetString(); err == nil {
				return s
			}
		}
	}
	return ""
}

func scanXMLFile(path string) (FileEntry, bool) {
	f, err := os.Open(path)
	if err != nil {
		vlog.VI(1).Infof("storescu: %v: %v", path, err)
		return FileEntry{}, false
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return FileEntry{}, false
	}
	ds, err := ReadXMLDataSet(f)
	if err != nil {
		vlog.Infof("storescu: %v: %v", path, err)
		return FileEntry{}, false
	}
	entry := FileEntry{Path: path, Size: fi.Size(), XML: true}
	if !fillEntryFromDataSet(&entry, ds) {
		vlog.Infof("storescu: %v: missing SOP identifiers", path)
		return FileEntry{}, false
	}
	// XML datasets are re-encoded; they travel explicit little endian.
	entry.TransferSyntaxUID = dicomuid.ExplicitVRLittleEndian
	return entry, true
}
