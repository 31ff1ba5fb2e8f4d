// Package hanging models DICOM Hanging Protocol objects: which images a
// workstation should select and how to lay them out across screens. Only
// the data model and its cross-reference invariants live here; rendering
// is out of scope.
package hanging

import (
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
)

// Definition states what a protocol applies to, e.g. modality CT of the
// chest. A protocol carries an ordered list of them; the first match wins.
type Definition struct {
	Modality           string
	AnatomicRegion     string
	Laterality         string
	ProcedureCode      string
	ReasonForProcedure string
}

// ScreenDefinition describes one physical screen of the display
// environment.
type ScreenDefinition struct {
	VerticalPixels   int
	HorizontalPixels int
	// SpatialPosition is the screen's corner coordinates in the combined
	// display space, normalized 0..1: x0, y0, x1, y1.
	SpatialPosition [4]float64
}

// SelectorUsage says whether matching values include or exclude an image.
type SelectorUsage int

const (
	// Match selects images whose attribute equals one of the values.
	Match SelectorUsage = iota
	// NoMatch selects images whose attribute equals none of the values.
	NoMatch
)

// Selector is one predicate over a DICOM attribute.
type Selector struct {
	Tag    dicomtag.Tag
	Values []string
	Usage  SelectorUsage
}

// Matches evaluates the predicate against a dataset. A missing attribute
// never matches a Match selector and always passes a NoMatch one.
func (s *Selector) Matches(ds *dicom.DataSet) bool {
	value := ""
	if elem, err := ds.FindElementByTag(s.Tag); err == nil {
		if v, err := elem.GetString(); err == nil {
			value = strings.TrimSpace(v)
		}
	}
	found := false
	for _, want := range s.Values {
		if value == want {
			found = true
			break
		}
	}
	if s.Usage == NoMatch {
		return !found
	}
	return found
}

// TimeBasedSelector restricts an image set to a window relative to now,
// e.g. "studies from the last 6 months".
type TimeBasedSelector struct {
	Tag dicomtag.Tag // a DA attribute, typically StudyDate
	// MaxAge is the oldest admissible value. Zero disables the bound.
	MaxAge time.Duration
}

// Matches parses the attribute as a DICOM DA value.
func (s *TimeBasedSelector) Matches(ds *dicom.DataSet, now time.Time) bool {
	if s.MaxAge == 0 {
		return true
	}
	elem, err := ds.FindElementByTag(s.Tag)
	if err != nil {
		return false
	}
	v, err := elem.GetString()
	if err != nil {
		return false
	}
	t, err := time.Parse("20060102", strings.TrimSpace(v))
	if err != nil {
		return false
	}
	return now.Sub(t) <= s.MaxAge
}

// ImageSet names a group of images via selectors. Its number, used by
// display sets to reference it, is its position+1 in the protocol.
type ImageSet struct {
	Label     string
	Selectors []Selector
	TimeBased []TimeBasedSelector
}

// Matches reports whether a dataset belongs to the set.
func (is *ImageSet) Matches(ds *dicom.DataSet, now time.Time) bool {
	for i := range is.Selectors {
		if !is.Selectors[i].Matches(ds) {
			return false
		}
	}
	for i := range is.TimeBased {
		if !is.TimeBased[i].Matches(ds, now) {
			return false
		}
	}
	return true
}

// DisplaySet places one image set's images into a screen region.
type DisplaySet struct {
	// Number is the display set's position+1 in the protocol. Maintained
	// by the protocol; renumbered on removal.
	Number int

	// ImageSetNumber references an image set by its position+1.
	ImageSetNumber int

	// PresentationGroup groups alternative layouts; always >= 1.
	PresentationGroup int

	// ScreenIndex picks the ScreenDefinition this set renders on.
	ScreenIndex int
}

// ScrollingGroup scrolls several display sets in lockstep.
type ScrollingGroup struct {
	DisplaySets []*DisplaySet
}

// NavigationGroup pages through display sets with one control.
type NavigationGroup struct {
	ReferenceDisplaySet *DisplaySet
	DisplaySets         []*DisplaySet
}

// Protocol is the root hanging protocol object.
type Protocol struct {
	Name        string
	Description string
	Level       string // SITE, USER_GROUP, SINGLE_USER
	Creator     string

	Definitions       []Definition
	ScreenDefinitions []ScreenDefinition

	imageSets        []*ImageSet
	displaySets      []*DisplaySet
	scrollingGroups  []*ScrollingGroup
	navigationGroups []*NavigationGroup
}

func (p *Protocol) ImageSets() []*ImageSet     { return p.imageSets }
func (p *Protocol) DisplaySets() []*DisplaySet { return p.displaySets }
func (p *Protocol) ScrollingGroups() []*ScrollingGroup {
	return p.scrollingGroups
}
func (p *Protocol) NavigationGroups() []*NavigationGroup {
	return p.navigationGroups
}

// AddImageSet appends an image set and returns its number.
func (p *Protocol) AddImageSet(is *ImageSet) int {
	p.imageSets = append(p.imageSets, is)
	return len(p.imageSets)
}

// ImageSetNumber returns the 1-based number of is, or 0 when it is not
// part of the protocol.
func (p *Protocol) ImageSetNumber(is *ImageSet) int {
	for i, have := range p.imageSets {
		if have == is {
			return i + 1
		}
	}
	return 0
}

// AddDisplaySet creates a display set over is. The image-set reference is
// derived from the set's current position, keeping the numbering invariant
// by construction.
func (p *Protocol) AddDisplaySet(is *ImageSet, presentationGroup, screenIndex int) (*DisplaySet, error) {
	num := p.ImageSetNumber(is)
	if num == 0 {
		return nil, fmt.Errorf("hanging: image set %q not in protocol", is.Label)
	}
	if presentationGroup < 1 {
		return nil, fmt.Errorf("hanging: presentation group %d, must be >= 1", presentationGroup)
	}
	if screenIndex < 0 || screenIndex >= len(p.ScreenDefinitions) {
		return nil, fmt.Errorf("hanging: screen index %d out of range", screenIndex)
	}
	ds := &DisplaySet{
		Number:            len(p.displaySets) + 1,
		ImageSetNumber:    num,
		PresentationGroup: presentationGroup,
		ScreenIndex:       screenIndex,
	}
	p.displaySets = append(p.displaySets, ds)
	return ds, nil
}

// AddScrollingGroup links display sets that scroll together. All members
// must belong to the protocol.
func (p *Protocol) AddScrollingGroup(sets ...*DisplaySet) (*ScrollingGroup, error) {
	for _, ds := range sets {
		if !p.hasDisplaySet(ds) {
			return nil, fmt.Errorf("hanging: display set %d not in protocol", ds.Number)
		}
	}
	g := &ScrollingGroup{DisplaySets: sets}
	p.scrollingGroups = append(p.scrollingGroups, g)
	return g, nil
}

// AddNavigationGroup links display sets paged by ref.
func (p *Protocol) AddNavigationGroup(ref *DisplaySet, sets ...*DisplaySet) (*NavigationGroup, error) {
	for _, ds := range append([]*DisplaySet{ref}, sets...) {
		if !p.hasDisplaySet(ds) {
			return nil, fmt.Errorf("hanging: display set %d not in protocol", ds.Number)
		}
	}
	g := &NavigationGroup{ReferenceDisplaySet: ref, DisplaySets: sets}
	p.navigationGroups = append(p.navigationGroups, g)
	return g, nil
}

func (p *Protocol) hasDisplaySet(ds *DisplaySet) bool {
	for _, have := range p.displaySets {
		if have == ds {
			return true
		}
	}
	return false
}

// RemoveDisplaySet deletes ds and cascades: group references to it are
// dropped, groups left empty (or without a reference set) are removed, and
// the remaining display sets are renumbered.
func (p *Protocol) RemoveDisplaySet(ds *DisplaySet) {
	kept := p.displaySets[:0]
	for _, have := range p.displaySets {
		if have != ds {
			kept = append(kept, have)
		}
	}
	p.displaySets = kept
	for i, have := range p.displaySets {
		have.Number = i + 1
	}

	keptScrolling := p.scrollingGroups[:0]
	for _, g := range p.scrollingGroups {
		g.DisplaySets = removeDisplaySetRef(g.DisplaySets, ds)
		if len(g.DisplaySets) > 0 {
			keptScrolling = append(keptScrolling, g)
		}
	}
	p.scrollingGroups = keptScrolling

	keptNavigation := p.navigationGroups[:0]
	for _, g := range p.navigationGroups {
		g.DisplaySets = removeDisplaySetRef(g.DisplaySets, ds)
		if g.ReferenceDisplaySet != ds && len(g.DisplaySets) > 0 {
			keptNavigation = append(keptNavigation, g)
		}
	}
	p.navigationGroups = keptNavigation
}

// RemoveImageSet deletes is, cascades into the display sets that reference
// it, and rewrites the image-set numbers of the survivors to their new
// positions.
func (p *Protocol) RemoveImageSet(is *ImageSet) {
	num := p.ImageSetNumber(is)
	if num == 0 {
		return
	}
	kept := p.imageSets[:0]
	for _, have := range p.imageSets {
		if have != is {
			kept = append(kept, have)
		}
	}
	p.imageSets = kept

	// Display sets over the removed image set go away; later references
	// shift down by one.
	for _, ds := range append([]*DisplaySet(nil), p.displaySets...) {
		switch {
		case ds.ImageSetNumber == num:
			p.RemoveDisplaySet(ds)
		case ds.ImageSetNumber > num:
			ds.ImageSetNumber--
		}
	}
}

func removeDisplaySetRef(sets []*DisplaySet, ds *DisplaySet) []*DisplaySet {
	kept := sets[:0]
	for _, have := range sets {
		if have != ds {
			kept = append(kept, have)
		}
	}
	return kept
}

// Validate checks the cross-reference invariants: display sets reference
// existing image sets by position+1, presentation groups are positive,
// group members exist, and numbering is dense.
func (p *Protocol) Validate() error {
	for i, ds := range p.displaySets {
		if ds.Number != i+1 {
			return fmt.Errorf("hanging: display set at position %d numbered %d", i, ds.Number)
		}
		if ds.ImageSetNumber < 1 || ds.ImageSetNumber > len(p.imageSets) {
			return fmt.Errorf("hanging: display set %d references image set %d of %d",
				ds.Number, ds.ImageSetNumber, len(p.imageSets))
		}
		if ds.PresentationGroup < 1 {
			return fmt.Errorf("hanging: display set %d in presentation group %d",
				ds.Number, ds.PresentationGroup)
		}
	}
	for _, g := range p.scrollingGroups {
		for _, ds := range g.DisplaySets {
			if !p.hasDisplaySet(ds) {
				return fmt.Errorf("hanging: scrolling group references removed display set")
			}
		}
	}
	for _, g := range p.navigationGroups {
		for _, ds := range append([]*DisplaySet{g.ReferenceDisplaySet}, g.DisplaySets...) {
			if !p.hasDisplaySet(ds) {
				return fmt.Errorf("hanging: navigation group references removed display set")
			}
		}
	}
	return nil
}
