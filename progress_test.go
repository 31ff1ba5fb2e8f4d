package dcmnet

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openradx/dcmnet/dimse"
)

func TestProgressRecordClassification(t *testing.T) {
	p := &DicomProgress{}
	p.SetTotal(4)
	p.Record("a.dcm", 100, dimse.StatusSuccess)
	p.Record("b.dcm", 200, dimse.WarningElementsDiscarded)
	p.Record("c.dcm", 0, dimse.CStoreCannotUnderstand)
	p.Record("d.dcm", 300, dimse.StatusSuccess)

	assert.Equal(t, 2, p.Completed())
	assert.Equal(t, 1, p.Warning())
	assert.Equal(t, 1, p.Failed())
	assert.Equal(t, 0, p.Remaining())
	assert.Equal(t, int64(600), p.BytesSent())
}

func TestProgressRemainingInvariant(t *testing.T) {
	p := &DicomProgress{}
	total := 5
	p.SetTotal(total)
	codes := []dimse.StatusCode{
		dimse.StatusSuccess,
		dimse.WarningCoercionOfDataElements,
		dimse.CStoreOutOfResources,
		dimse.StatusSuccess,
		dimse.StatusSuccess,
	}
	for i, code := range codes {
		p.Record("x.dcm", 0, code)
		assert.Equal(t, total-(p.Completed()+p.Failed()+p.Warning()), p.Remaining(), "after record %d", i)
	}
}

func TestProgressListener(t *testing.T) {
	p := &DicomProgress{}
	p.SetTotal(2)
	var states []DicomState
	p.AddListener(func(s DicomState) { states = append(states, s) })

	p.Record("first.dcm", 10, dimse.StatusSuccess)
	p.Record("second.dcm", 20, dimse.CStoreCannotUnderstand)

	assert.Len(t, states, 2)
	assert.Equal(t, "first.dcm", states[0].Current)
	assert.Equal(t, dimse.StatusSuccess, states[0].Status.Status)
	assert.Equal(t, 1, states[0].Completed)
	assert.Equal(t, "second.dcm", states[1].Current)
	assert.Equal(t, 1, states[1].Failed)
	assert.Equal(t, int64(30), states[1].BytesSent)
}

func TestProgressListenerCancels(t *testing.T) {
	p := &DicomProgress{}
	p.AddListener(func(s DicomState) {
		if s.Completed >= 2 {
			p.Cancel()
		}
	})
	p.Record("a.dcm", 0, dimse.StatusSuccess)
	assert.False(t, p.Cancelled())
	p.Record("b.dcm", 0, dimse.StatusSuccess)
	assert.True(t, p.Cancelled())
}

func TestProgressSuboperationCounters(t *testing.T) {
	p := &DicomProgress{}
	pending := dimse.Status{Status: dimse.StatusPending}
	p.updateFromSuboperations(5, 0, 0, 0, pending)
	assert.Equal(t, 5, p.Remaining())
	p.updateFromSuboperations(2, 2, 1, 0, pending)
	assert.Equal(t, 2, p.Remaining())
	assert.Equal(t, 2, p.Completed())
	assert.Equal(t, 1, p.Failed())
	p.updateFromSuboperations(0, 4, 1, 0, dimse.Status{Status: dimse.StatusSuccess})
	assert.Equal(t, 0, p.Remaining())
	assert.Equal(t, 4, p.Completed())
}
