package storescu

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomuid"
	"golang.org/x/sync/errgroup"
	"v.io/x/lib/vlog"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/dimse"
	"github.com/openradx/dcmnet/sopclass"
)

// SendOptions configures one send batch.
type SendOptions struct {
	CalledAETitle  string
	CallingAETitle string

	// MaxPDUSize and Timeouts pass through to the association.
	MaxPDUSize int
	Timeouts   dcmnet.AssociationTimeouts

	// TLSConfig, when non-nil, dials the peer over TLS.
	TLSConfig *tls.Config

	// Progress, when non-nil, tracks per-file outcomes and allows
	// cancellation. Cancel aborts the association after the in-flight
	// stores finish or fail.
	Progress *dcmnet.DicomProgress

	// Concurrency bounds the stores in flight at once. Zero or one sends
	// sequentially.
	Concurrency int
}

// SendStats summarizes a completed (or aborted) batch.
type SendStats struct {
	Completed int
	Warned    int
	Failed    int

	// TotalSize sums source file sizes of objects the peer accepted,
	// i.e. success or warning responses only.
	TotalSize int64
}

// Send opens one association covering every context the scan accumulated
// and issues a C-STORE per manifest entry. Per-file failures are logged and
// counted, never fatal; the returned error covers association-level
// failures and cancellation.
func Send(serverAddr string, scan *ScanResult, opts SendOptions) (SendStats, error) {
	var stats SendStats
	if len(scan.Entries) == 0 {
		if opts.Progress != nil {
			opts.Progress.Record("", 0, dimse.CStoreCannotUnderstand)
		}
		return stats, fmt.Errorf("storescu: no DICOM objects to send")
	}
	services := make([]sopclass.SOPUID, 0, len(scan.ContextClasses))
	for _, cuid := range scan.ContextClasses {
		services = append(services, sopclass.SOPUID{Name: dicomuid.UIDString(cuid), UID: cuid})
	}
	params, err := dcmnet.NewServiceUserParams(
		opts.CalledAETitle, opts.CallingAETitle, services, scan.ContextSyntaxes)
	if err != nil {
		return stats, err
	}
	params.MaxPDUSize = opts.MaxPDUSize
	params.Timeouts = opts.Timeouts
	su := dcmnet.NewServiceUser(params)
	if opts.TLSConfig != nil {
		conn, err := tls.Dial("tcp", serverAddr, opts.TLSConfig)
		if err != nil {
			return stats, err
		}
		su.SetConn(conn)
	} else {
		su.Connect(serverAddr)
	}
	defer su.Release()

	if opts.Progress != nil {
		opts.Progress.SetTotal(len(scan.Entries))
	}
	var mu sync.Mutex
	g := &errgroup.Group{}
	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	cancelled := false
	for _, entry := range scan.Entries {
		if opts.Progress != nil && opts.Progress.Cancelled() {
			cancelled = true
			break
		}
		entry := entry
		g.Go(func() error {
			code, sent := sendOne(su, entry)
			mu.Lock()
			switch {
			case code == dimse.StatusSuccess:
				stats.Completed++
				stats.TotalSize += entry.Size
			case dcmnet.IsWarningStatus(code):
				stats.Warned++
				stats.TotalSize += entry.Size
			default:
				stats.Failed++
			}
			mu.Unlock()
			if opts.Progress != nil {
				var bytes int64
				if sent {
					bytes = entry.Size
				}
				opts.Progress.Record(entry.Path, bytes, code)
			}
			return nil
		})
	}
	g.Wait()
	if cancelled {
		su.Abort()
		return stats, dcmnet.ErrCancelled
	}
	return stats, nil
}

// sendOne stores a single object. The bool reports whether the peer
// accepted it (success or warning).
func sendOne(su *dcmnet.ServiceUser, entry FileEntry) (dimse.StatusCode, bool) {
	ds, err := loadDataSet(entry)
	if err != nil {
		vlog.Errorf("storescu: %v: %v", entry.Path, err)
		return dimse.CStoreCannotUnderstand, false
	}
	code, err := su.CStoreStatus(ds)
	if err != nil && code == 0 {
		vlog.Errorf("storescu: %v: %v", entry.Path, err)
		return dimse.CStoreCannotUnderstand, false
	}
	if err != nil {
		vlog.Infof("storescu: %v: status 0x%04x: %v", entry.Path, uint16(code), err)
	}
	return code, code == dimse.StatusSuccess || dcmnet.IsWarningStatus(code)
}

func loadDataSet(entry FileEntry) (*dicom.DataSet, error) {
	if entry.XML {
		f, err := os.Open(entry.Path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ReadXMLDataSet(f)
	}
	if entry.MetaEnd == 0 {
		data, err := os.ReadFile(entry.Path)
		if err != nil {
			return nil, err
		}
		return readBareDataSet(data, false)
	}
	return dicom.ReadDataSetFromFile(entry.Path, dicom.ReadOptions{})
}
