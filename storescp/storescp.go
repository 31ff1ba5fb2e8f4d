// Package storescp implements the storage half of a C-STORE provider: it
// turns inbound objects into Part-10 files under a directory tree, with an
// atomic temp-write-then-rename protocol and a configurable path layout.
package storescp

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"v.io/x/lib/vlog"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/dimse"
)

var (
	metricObjectsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dcmnet_storescp_objects_stored_total",
		Help: "Objects successfully written and renamed into place.",
	})
	metricObjectsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcmnet_storescp_objects_rejected_total",
		Help: "Objects refused or failed, by reason.",
	}, []string{"reason"})
)

// Params configures a storage provider.
type Params struct {
	// Dir is the storage root. New creates it, plus Dir/tmp for staging.
	Dir string

	// PathPattern lays out the final path relative to Dir. Empty means
	// DefaultPathPattern. See the pattern syntax in pathpattern.go.
	PathPattern string

	// AuthorizedCallingAETitles, when nonempty, restricts who may store:
	// an object from a calling AE title outside the list gets a
	// not-authorized (0x0124) response and nothing is written. The
	// association itself stays up; contrast with the provider's
	// AllowedCallingAETitles, which rejects at A-ASSOCIATE time.
	AuthorizedCallingAETitles []string

	// Authorize, when non-nil, is consulted per object after the AE-title
	// check, with the peer identity of the carrying association. A false
	// return yields a 0x0124 response and nothing is written.
	Authorize func(assoc dcmnet.AssociationInfo, sopClassUID string) bool

	// Progress, when non-nil, receives one Record per object with the
	// final path, the payload size, and the response status.
	Progress *dcmnet.DicomProgress

	// ReceiveDelay and ResponseDelay throttle the handler for testing
	// slow-storage scenarios: the first is slept before any disk I/O,
	// the second before returning the status.
	ReceiveDelay  time.Duration
	ResponseDelay time.Duration
}

// Server accepts C-STORE payloads and persists them. Safe for concurrent
// calls; each object stages under a unique temp name.
type Server struct {
	params  Params
	pattern *pathPattern
	tmpDir  string
}

// New creates the storage root and staging directory.
func New(params Params) (*Server, error) {
	if params.Dir == "" {
		return nil, fmt.Errorf("storescp: Dir must be set")
	}
	if params.PathPattern == "" {
		params.PathPattern = DefaultPathPattern
	}
	pattern, err := parsePathPattern(params.PathPattern)
	if err != nil {
		return nil, err
	}
	tmpDir := filepath.Join(params.Dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, err
	}
	return &Server{params: params, pattern: pattern, tmpDir: tmpDir}, nil
}

// OnCStore is the dcmnet.CStoreCallback for this server. Plug it into
// ServiceProviderParams.CStore.
func (s *Server) OnCStore(
	assoc dcmnet.AssociationInfo,
	transferSyntaxUID string,
	sopClassUID string,
	sopInstanceUID string,
	data []byte) dimse.Status {
	status := s.store(assoc, transferSyntaxUID, sopClassUID, sopInstanceUID, data)
	if s.params.ResponseDelay > 0 {
		time.Sleep(s.params.ResponseDelay)
	}
	return status
}

// authorized applies the calling-AE-title list, then the Authorize hook.
func (s *Server) authorized(assoc dcmnet.AssociationInfo, sopClassUID string) bool {
	if len(s.params.AuthorizedCallingAETitles) > 0 {
		ok := false
		for _, aet := range s.params.AuthorizedCallingAETitles {
			if strings.TrimSpace(aet) == assoc.CallingAETitle {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return s.params.Authorize == nil || s.params.Authorize(assoc, sopClassUID)
}

func (s *Server) store(
	assoc dcmnet.AssociationInfo,
	transferSyntaxUID, sopClassUID, sopInstanceUID string,
	data []byte) dimse.Status {
	if !s.authorized(assoc, sopClassUID) {
		vlog.Infof("storescp: refusing %v (class %v) from %q: not authorized",
			sopInstanceUID, sopClassUID, assoc.CallingAETitle)
		metricObjectsRejected.WithLabelValues("not_authorized").Inc()
		s.record(sopInstanceUID, 0, dimse.StatusNotAuthorized)
		return dimse.Status{
			Status:       dimse.StatusNotAuthorized,
			ErrorComment: "not authorized for storage",
		}
	}
	if s.params.ReceiveDelay > 0 {
		time.Sleep(s.params.ReceiveDelay)
	}
	fileBytes, err := synthesizeFile(transferSyntaxUID, sopClassUID, sopInstanceUID, data)
	if err != nil {
		vlog.Errorf("storescp: %v: cannot build file: %v", sopInstanceUID, err)
		metricObjectsRejected.WithLabelValues("encode").Inc()
		s.record(sopInstanceUID, 0, dimse.CStoreCannotUnderstand)
		return dimse.Status{Status: dimse.CStoreCannotUnderstand, ErrorComment: err.Error()}
	}
	finalPath, err := s.finalPath(data, transferSyntaxUID, sopInstanceUID)
	if err != nil {
		vlog.Errorf("storescp: %v: cannot resolve path: %v", sopInstanceUID, err)
		metricObjectsRejected.WithLabelValues("path").Inc()
		s.record(sopInstanceUID, 0, dimse.CStoreCannotUnderstand)
		return dimse.Status{Status: dimse.CStoreCannotUnderstand, ErrorComment: err.Error()}
	}
	tmpPath := filepath.Join(s.tmpDir,
		fmt.Sprintf("%s.%s.part", sopInstanceUID, uuid.New().String()))
	if err := s.commit(tmpPath, finalPath, fileBytes); err != nil {
		vlog.Errorf("storescp: %v: write failed: %v", sopInstanceUID, err)
		metricObjectsRejected.WithLabelValues("io").Inc()
		s.record(sopInstanceUID, 0, dimse.CStoreCannotUnderstand)
		return dimse.Status{Status: dimse.CStoreCannotUnderstand, ErrorComment: err.Error()}
	}
	vlog.VI(1).Infof("storescp: stored %v (%d bytes) -> %v", sopInstanceUID, len(data), finalPath)
	metricObjectsStored.Inc()
	s.record(finalPath, int64(len(data)), dimse.StatusSuccess)
	return dimse.Success
}

// commit writes to the staging area, then renames into the final location.
// On any failure the temp file is unlinked so the staging dir never
// accumulates partial objects.
func (s *Server) commit(tmpPath, finalPath string, fileBytes []byte) error {
	if err := os.WriteFile(tmpPath, fileBytes, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// finalPath parses the payload once to supply pattern placeholders. A
// payload that cannot be parsed still stores under the default layout when
// the pattern only needs the instance UID from the command set.
func (s *Server) finalPath(data []byte, transferSyntaxUID, sopInstanceUID string) (string, error) {
	ds, err := dicom.ReadDataSetInBytes(data, dicom.ReadOptions{DropPixelData: true})
	if err != nil {
		return "", err
	}
	rel := s.pattern.format(ds)
	if rel == "" {
		rel = sopInstanceUID + ".dcm"
	}
	return filepath.Join(s.params.Dir, filepath.FromSlash(rel)), nil
}

func (s *Server) record(current string, bytes int64, code dimse.StatusCode) {
	if s.params.Progress != nil {
		s.params.Progress.Record(current, bytes, code)
	}
}

// synthesizeFile rebuilds a Part-10 stream around the bare dataset: the
// group-2 meta elements are stripped on the wire, so the preamble and the
// three key meta elements come from the command set and the negotiated
// transfer syntax.
func synthesizeFile(transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) ([]byte, error) {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
	dicom.WriteFileHeader(e,
		[]*dicom.Element{
			dicom.MustNewElement(dicomtag.TransferSyntaxUID, transferSyntaxUID),
			dicom.MustNewElement(dicomtag.MediaStorageSOPClassUID, sopClassUID),
			dicom.MustNewElement(dicomtag.MediaStorageSOPInstanceUID, sopInstanceUID),
		})
	e.WriteBytes(data)
	if err := e.Error(); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}
