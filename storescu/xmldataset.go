package storescu

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
)

// ReadXMLDataSet parses a PS3.19 native-model XML document
// (<NativeDicomModel> with <DicomAttribute tag=... vr=...> children) into a
// dataset. It streams tokens rather than unmarshalling the whole tree, so
// large documents cost only their element values.
//
// Sequences, inline binary, and bulk-data references are skipped; the
// result carries the string-valued attributes, which is what association
// negotiation and C-STORE command sets need.
func ReadXMLDataSet(r io.Reader) (*dicom.DataSet, error) {
	dec := xml.NewDecoder(r)
	ds := &dicom.DataSet{}
	sawRoot := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storescu: xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "NativeDicomModel":
			sawRoot = true
		case "DicomAttribute":
			elem, err := readXMLAttribute(dec, start)
			if err != nil {
				return nil, err
			}
			if elem != nil {
				ds.Elements = append(ds.Elements, elem)
			}
		default:
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("storescu: xml: %w", err)
			}
		}
	}
	if !sawRoot {
		return nil, fmt.Errorf("storescu: xml: no NativeDicomModel root")
	}
	return ds, nil
}

// readXMLAttribute consumes one DicomAttribute subtree. A nil, nil return
// means the attribute was recognized but is not representable (sequence or
// binary payload).
func readXMLAttribute(dec *xml.Decoder, start xml.StartElement) (*dicom.Element, error) {
	var tagLit, vr string
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "tag":
			tagLit = a.Value
		case "vr":
			vr = a.Value
		}
	}
	tag, err := parseXMLTag(tagLit)
	if err != nil {
		return nil, fmt.Errorf("storescu: xml: %v", err)
	}
	// values[n-1] holds <Value number="n">.
	var values []string
	skippable := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("storescu: xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "Value", "PersonName":
				text, err := collectXMLText(dec, t)
				if err != nil {
					return nil, err
				}
				n := xmlValueNumber(t)
				for len(values) < n {
					values = append(values, "")
				}
				values[n-1] = text
			case "Item", "InlineBinary", "BulkData":
				skippable = true
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("storescu: xml: %w", err)
				}
			default:
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("storescu: xml: %w", err)
				}
			}
		case xml.EndElement:
			if t.Name.Local == "DicomAttribute" {
				if len(values) == 0 {
					if skippable {
						return nil, nil
					}
					// Zero-length attribute.
					values = []string{""}
				}
				args := make([]interface{}, len(values))
				for i, v := range values {
					args[i] = v
				}
				elem, err := dicom.NewElement(tag, args...)
				if err != nil {
					return nil, fmt.Errorf("storescu: xml: attribute %v (%v): %w", tagLit, vr, err)
				}
				return elem, nil
			}
		}
	}
}

func xmlValueNumber(start xml.StartElement) int {
	for _, a := range start.Attr {
		if a.Name.Local == "number" {
			if n, err := strconv.Atoi(a.Value); err == nil && n > 0 {
				return n
			}
		}
	}
	return 1
}

// collectXMLText flattens the subtree's character data. PersonName nests
// Alphabetic/FamilyName/GivenName; joining with ^ reconstructs the PN wire
// form closely enough for identifiers and filters.
func collectXMLText(dec *xml.Decoder, start xml.StartElement) (string, error) {
	var parts []string
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("storescu: xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if s := strings.TrimSpace(string(t)); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "^"), nil
}

// WriteXMLDataSet renders ds as a PS3.19 native-model document, the inverse
// of ReadXMLDataSet for string-valued attributes. Non-string values
// (sequences, pixel data) are skipped. PN values are expanded into
// PersonName/Alphabetic component elements.
func WriteXMLDataSet(w io.Writer, ds *dicom.DataSet) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	root := xml.StartElement{Name: xml.Name{Local: "NativeDicomModel"}}
	if err := enc.EncodeToken(root); err != nil {
		return fmt.Errorf("storescu: xml: %w", err)
	}
	for _, elem := range ds.Elements {
		if err := writeXMLAttribute(enc, elem); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return fmt.Errorf("storescu: xml: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return fmt.Errorf("storescu: xml: %w", err)
	}
	return nil
}

func writeXMLAttribute(enc *xml.Encoder, elem *dicom.Element) error {
	var values []string
	for _, v := range elem.Value {
		s, ok := v.(string)
		if !ok {
			return nil
		}
		values = append(values, s)
	}
	start := xml.StartElement{
		Name: xml.Name{Local: "DicomAttribute"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "tag"}, Value: fmt.Sprintf("%04X%04X", elem.Tag.Group, elem.Tag.Element)},
			{Name: xml.Name{Local: "vr"}, Value: elem.VR},
		},
	}
	if err := enc.EncodeToken(start); err != nil {
		return fmt.Errorf("storescu: xml: %w", err)
	}
	for i, v := range values {
		if err := writeXMLValue(enc, elem.VR, i+1, v); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return fmt.Errorf("storescu: xml: %w", err)
	}
	return nil
}

// pnComponents names the PS3.19 children of PersonName/Alphabetic, in the
// order the ^ separators define.
var pnComponents = []string{"FamilyName", "GivenName", "MiddleName", "NamePrefix", "NameSuffix"}

func writeXMLValue(enc *xml.Encoder, vr string, number int, value string) error {
	numberAttr := xml.Attr{Name: xml.Name{Local: "number"}, Value: strconv.Itoa(number)}
	emit := func(toks ...xml.Token) error {
		for _, t := range toks {
			if err := enc.EncodeToken(t); err != nil {
				return fmt.Errorf("storescu: xml: %w", err)
			}
		}
		return nil
	}
	if vr != "PN" {
		start := xml.StartElement{Name: xml.Name{Local: "Value"}, Attr: []xml.Attr{numberAttr}}
		return emit(start, xml.CharData(value), start.End())
	}
	pn := xml.StartElement{Name: xml.Name{Local: "PersonName"}, Attr: []xml.Attr{numberAttr}}
	alphabetic := xml.StartElement{Name: xml.Name{Local: "Alphabetic"}}
	if err := emit(pn, alphabetic); err != nil {
		return err
	}
	for i, comp := range strings.Split(value, "^") {
		if comp == "" || i >= len(pnComponents) {
			continue
		}
		c := xml.StartElement{Name: xml.Name{Local: pnComponents[i]}}
		if err := emit(c, xml.CharData(comp), c.End()); err != nil {
			return err
		}
	}
	return emit(alphabetic.End(), pn.End())
}

func parseXMLTag(s string) (dicomtag.Tag, error) {
	s = strings.TrimSpace(s)
	if len(s) != 8 {
		return dicomtag.Tag{}, fmt.Errorf("tag %q must be 8 hex digits", s)
	}
	group, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return dicomtag.Tag{}, fmt.Errorf("tag %q: %v", s, err)
	}
	elem, err := strconv.ParseUint(s[4:], 16, 16)
	if err != nil {
		return dicomtag.Tag{}, fmt.Errorf("tag %q: %v", s, err)
	}
	return dicomtag.Tag{Group: uint16(group), Element: uint16(elem)}, nil
}
