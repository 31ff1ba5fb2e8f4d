package storescp

import (
	"crypto/sha1"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
)

// A path pattern names the destination of a stored object relative to the
// storage root. Literal text is copied; placeholders are substituted from
// the received dataset:
//
//	{00080018}.dcm                      the element's string value
//	{00080020,date,2006/01/02}/...      DICOM DA value reformatted with a Go
//	                                    time layout
//	{0020000D,hash}/...                 10-hex-digit digest of the value, for
//	                                    directory fan-out without exposing UIDs
//
// Unknown or absent elements substitute as "UNKNOWN".
const DefaultPathPattern = "{0020000D}/{00080018}.dcm"

type patternPart struct {
	literal string // set iff tag is zero
	tag     dicomtag.Tag
	op      string // "", "date", "hash"
	layout  string // Go time layout, op=="date" only
}

type pathPattern struct {
	parts []patternPart
}

func parsePathPattern(pattern string) (*pathPattern, error) {
	var parts []patternPart
	rest := pattern
	for len(rest) > 0 {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			parts = append(parts, patternPart{literal: rest})
			break
		}
		if open > 0 {
			parts = append(parts, patternPart{literal: rest[:open]})
		}
		closing := strings.IndexByte(rest, '}')
		if closing < open {
			return nil, fmt.Errorf("storescp: unbalanced brace in path pattern %q", pattern)
		}
		fields := strings.Split(rest[open+1:closing], ",")
		tag, err := parseTagLiteral(fields[0])
		if err != nil {
			return nil, fmt.Errorf("storescp: path pattern %q: %v", pattern, err)
		}
		part := patternPart{tag: tag}
		switch len(fields) {
		case 1:
		case 2:
			if fields[1] != "hash" {
				return nil, fmt.Errorf("storescp: path pattern %q: unknown op %q", pattern, fields[1])
			}
			part.op = "hash"
		case 3:
			if fields[1] != "date" {
				return nil, fmt.Errorf("storescp: path pattern %q: unknown op %q", pattern, fields[1])
			}
			part.op = "date"
			part.layout = fields[2]
		default:
			return nil, fmt.Errorf("storescp: path pattern %q: too many fields in %q", pattern, rest[open:closing+1])
		}
		parts = append(parts, part)
		rest = rest[closing+1:]
	}
	return &pathPattern{parts: parts}, nil
}

func parseTagLiteral(s string) (dicomtag.Tag, error) {
	if len(s) != 8 {
		return dicomtag.Tag{}, fmt.Errorf("tag literal %q must be 8 hex digits", s)
	}
	group, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return dicomtag.Tag{}, fmt.Errorf("tag literal %q: %v", s, err)
	}
	elem, err := strconv.ParseUint(s[4:], 16, 16)
	if err != nil {
		return dicomtag.Tag{}, fmt.Errorf("tag literal %q: %v", s, err)
	}
	return dicomtag.Tag{Group: uint16(group), Element: uint16(elem)}, nil
}

// format renders the pattern against a dataset.
func (p *pathPattern) format(ds *dicom.DataSet) string {
	var b strings.Builder
	for _, part := range p.parts {
		if part.tag == (dicomtag.Tag{}) {
			b.WriteString(part.literal)
			continue
		}
		value := "UNKNOWN"
		if elem, err := ds.FindElementByTag(part.tag); err == nil {
			if s, err := elem.GetString(); err == nil && s != "" {
				value = s
			}
		}
		switch part.op {
		case "date":
			// DICOM DA is YYYYMMDD. Slashes in the layout come from the
			// pattern author and may create directories; the value itself
			// never survives unparsed.
			if t, err := time.Parse("20060102", strings.TrimSpace(value)); err == nil {
				b.WriteString(t.Format(part.layout))
			} else {
				b.WriteString(sanitizePathComponent(value))
			}
		case "hash":
			sum := sha1.Sum([]byte(value))
			fmt.Fprintf(&b, "%x", sum[:5])
		default:
			b.WriteString(sanitizePathComponent(value))
		}
	}
	return b.String()
}

// sanitizePathComponent keeps substituted values from escaping the storage
// root or embedding separators.
func sanitizePathComponent(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	// Slashes inside a substituted value are never directory separators;
	// only pattern literals create directories.
	return strings.ReplaceAll(s, "/", "_")
}
