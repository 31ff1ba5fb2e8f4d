package hanging

import (
	"testing"
	"time"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctProtocol(t *testing.T) (*Protocol, *ImageSet, *ImageSet, []*DisplaySet) {
	t.Helper()
	p := &Protocol{
		Name:  "CT chest two-up",
		Level: "SITE",
		ScreenDefinitions: []ScreenDefinition{
			{VerticalPixels: 2048, HorizontalPixels: 1536, SpatialPosition: [4]float64{0, 0, 0.5, 1}},
			{VerticalPixels: 2048, HorizontalPixels: 1536, SpatialPosition: [4]float64{0.5, 0, 1, 1}},
		},
	}
	current := &ImageSet{
		Label: "current",
		Selectors: []Selector{
			{Tag: dicomtag.Modality, Values: []string{"CT"}},
		},
	}
	prior := &ImageSet{
		Label: "prior",
		Selectors: []Selector{
			{Tag: dicomtag.Modality, Values: []string{"CT"}},
		},
		TimeBased: []TimeBasedSelector{
			{Tag: dicomtag.StudyDate, MaxAge: 365 * 24 * time.Hour},
		},
	}
	require.Equal(t, 1, p.AddImageSet(current))
	require.Equal(t, 2, p.AddImageSet(prior))

	ds1, err := p.AddDisplaySet(current, 1, 0)
	require.NoError(t, err)
	ds2, err := p.AddDisplaySet(prior, 1, 1)
	require.NoError(t, err)
	ds3, err := p.AddDisplaySet(current, 2, 0)
	require.NoError(t, err)
	return p, current, prior, []*DisplaySet{ds1, ds2, ds3}
}

func TestDisplaySetNumbering(t *testing.T) {
	p, _, _, sets := ctProtocol(t)
	require.NoError(t, p.Validate())
	assert.Equal(t, 1, sets[0].Number)
	assert.Equal(t, 1, sets[0].ImageSetNumber)
	assert.Equal(t, 2, sets[1].ImageSetNumber)
	assert.Equal(t, 3, sets[2].Number)
}

func TestAddDisplaySetRejectsBadReferences(t *testing.T) {
	p, current, _, _ := ctProtocol(t)
	_, err := p.AddDisplaySet(&ImageSet{Label: "stranger"}, 1, 0)
	assert.Error(t, err)
	_, err = p.AddDisplaySet(current, 0, 0)
	assert.Error(t, err)
	_, err = p.AddDisplaySet(current, 1, 5)
	assert.Error(t, err)
}

func TestRemoveDisplaySetCascades(t *testing.T) {
	p, _, _, sets := ctProtocol(t)
	_, err := p.AddScrollingGroup(sets[0], sets[1])
	require.NoError(t, err)
	_, err = p.AddNavigationGroup(sets[1], sets[2])
	require.NoError(t, err)

	p.RemoveDisplaySet(sets[1])
	require.NoError(t, p.Validate())
	assert.Len(t, p.DisplaySets(), 2)
	assert.Equal(t, 1, sets[0].Number)
	assert.Equal(t, 2, sets[2].Number)

	// The scrolling group lost a member but survives; the navigation
	// group lost its reference set and is gone.
	require.Len(t, p.ScrollingGroups(), 1)
	assert.Equal(t, []*DisplaySet{sets[0]}, p.ScrollingGroups()[0].DisplaySets)
	assert.Empty(t, p.NavigationGroups())
}

func TestRemoveImageSetCascades(t *testing.T) {
	p, current, prior, sets := ctProtocol(t)
	p.RemoveImageSet(current)
	require.NoError(t, p.Validate())

	// Both display sets over "current" are gone; the prior one remains
	// and its reference followed the renumbering.
	require.Len(t, p.DisplaySets(), 1)
	assert.Same(t, sets[1], p.DisplaySets()[0])
	assert.Equal(t, 1, sets[1].Number)
	assert.Equal(t, 1, sets[1].ImageSetNumber)
	assert.Equal(t, 1, p.ImageSetNumber(prior))
}

func TestSelectorMatching(t *testing.T) {
	ds := &dicom.DataSet{Elements: []*dicom.Element{
		dicom.MustNewElement(dicomtag.Modality, "CT"),
		dicom.MustNewElement(dicomtag.StudyDate, time.Now().AddDate(0, -1, 0).Format("20060102")),
	}}
	_, current, prior, _ := ctProtocol(t)
	assert.True(t, current.Matches(ds, time.Now()))
	assert.True(t, prior.Matches(ds, time.Now()))

	old := &dicom.DataSet{Elements: []*dicom.Element{
		dicom.MustNewElement(dicomtag.Modality, "CT"),
		dicom.MustNewElement(dicomtag.StudyDate, "19990101"),
	}}
	assert.True(t, current.Matches(old, time.Now()))
	assert.False(t, prior.Matches(old, time.Now()))

	mr := &dicom.DataSet{Elements: []*dicom.Element{
		dicom.MustNewElement(dicomtag.Modality, "MR"),
	}}
	assert.False(t, current.Matches(mr, time.Now()))

	noMatch := Selector{Tag: dicomtag.Modality, Values: []string{"MR"}, Usage: NoMatch}
	assert.True(t, noMatch.Matches(ds))
	assert.False(t, noMatch.Matches(mr))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p1, _, _, _ := ctProtocol(t)
	p2 := &Protocol{Name: "CT fallback"}
	r.Register("CT", p1)
	r.Register("CT", p2)

	got := r.Find("CT")
	require.Len(t, got, 2)
	assert.Same(t, p1, got[0])
	assert.Empty(t, r.Find("MR"))
	assert.Equal(t, []string{"CT"}, r.Categories())
}
