package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/sopclass"
	"github.com/openradx/dcmnet/storescu"
)

var findCmd = &cobra.Command{
	Use:   "find <host:port>",
	Short: "Query a peer with C-FIND",
	Long: `find streams the matches of a C-FIND query. Matches print to stdout; with
--out they are also written to files, one per match, the "#" run in the
pattern replaced by a zero-padded counter (e.g. match-###.xml). With
--concat all matches share one file. Worklist-style models (worklist,
ups-pull, ups-watch) automatically negotiate relational and combined
date-time matching.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, err := lookupModel(viper.GetString("find.model"))
		if err != nil {
			return err
		}
		filter, err := parseQuery(viper.GetStringSlice("find.query"))
		if err != nil {
			return err
		}
		params, err := userParams(sopclass.QRFindClasses, nil)
		if err != nil {
			return err
		}
		if model.LevelString == "" {
			params.ExtendedNegotiations = dcmnet.RelationalQueryNegotiation(model)
		}
		su := dcmnet.NewServiceUser(params)
		defer su.Release()
		if err := connectPeer(su, args[0]); err != nil {
			return err
		}
		su.SetCancelAfter(viper.GetInt("find.cancel-after"))

		out, err := newMatchWriter(
			viper.GetString("find.out"),
			viper.GetBool("find.xml"),
			viper.GetBool("find.concat"))
		if err != nil {
			return err
		}
		defer out.close()

		matches := 0
		for result := range su.CFindModel(model, filter) {
			if result.Err != nil {
				if errors.Is(result.Err, dcmnet.ErrCancelled) {
					fmt.Printf("cancelled after %d match(es)\n", matches)
					return nil
				}
				return result.Err
			}
			matches++
			printMatch(matches, result.Elements)
			if err := out.write(result.Elements); err != nil {
				return err
			}
		}
		fmt.Printf("%d match(es)\n", matches)
		return nil
	},
}

func init() {
	f := findCmd.Flags()
	f.String("model", "study", "information model: patient, study, patient-study, worklist, ups-pull, ups-watch, hanging, palette")
	f.StringArrayP("query", "q", nil, `query key "GGGGEEEE=value"; empty value returns the attribute`)
	f.Int("cancel-after", 0, "send C-CANCEL-RQ after this many matches (0 = never)")
	f.String("out", "", "write matches to files named by this counter pattern")
	f.Bool("xml", false, "write matches as native-model XML instead of DICOM")
	f.Bool("concat", false, "write all matches into a single file")
	viper.BindPFlag("find.model", f.Lookup("model"))
	viper.BindPFlag("find.query", f.Lookup("query"))
	viper.BindPFlag("find.cancel-after", f.Lookup("cancel-after"))
	viper.BindPFlag("find.out", f.Lookup("out"))
	viper.BindPFlag("find.xml", f.Lookup("xml"))
	viper.BindPFlag("find.concat", f.Lookup("concat"))
}

func printMatch(n int, elems []*dicom.Element) {
	fmt.Printf("match %d:\n", n)
	for _, elem := range elems {
		value := "(empty)"
		if s, err := elem.GetString(); err == nil && s != "" {
			value = s
		}
		fmt.Printf("  %s %s\n", elem.Tag.String(), value)
	}
}

// matchWriter persists C-FIND matches to disk. A nil receiver or empty
// pattern writes nothing.
type matchWriter struct {
	pattern string
	xml     bool
	concat  bool
	n       int
	f       *os.File // open only in concat mode
}

func newMatchWriter(pattern string, asXML, concat bool) (*matchWriter, error) {
	if pattern == "" {
		return &matchWriter{}, nil
	}
	if !concat && !strings.Contains(pattern, "#") {
		return nil, fmt.Errorf("--out pattern %q needs a # counter unless --concat is set", pattern)
	}
	return &matchWriter{pattern: pattern, xml: asXML, concat: concat}, nil
}

// counterPath substitutes the first "#" run with the zero-padded counter.
func counterPath(pattern string, n int) string {
	i := strings.Index(pattern, "#")
	if i < 0 {
		return pattern
	}
	j := i
	for j < len(pattern) && pattern[j] == '#' {
		j++
	}
	return pattern[:i] + fmt.Sprintf("%0*d", j-i, n) + pattern[j:]
}

func (w *matchWriter) write(elems []*dicom.Element) error {
	if w.pattern == "" {
		return nil
	}
	w.n++
	var dst io.Writer
	if w.concat {
		if w.f == nil {
			f, err := os.Create(counterPath(w.pattern, 1))
			if err != nil {
				return err
			}
			w.f = f
		}
		dst = w.f
	} else {
		f, err := os.Create(counterPath(w.pattern, w.n))
		if err != nil {
			return err
		}
		defer f.Close()
		dst = f
	}
	if w.xml {
		if err := storescu.WriteXMLDataSet(dst, &dicom.DataSet{Elements: elems}); err != nil {
			return err
		}
		_, err := io.WriteString(dst, "\n")
		return err
	}
	e := dicomio.NewBytesEncoderWithTransferSyntax(dicomuid.ExplicitVRLittleEndian)
	for _, elem := range elems {
		dicom.WriteElement(e, elem)
	}
	if err := e.Error(); err != nil {
		return err
	}
	_, err := dst.Write(e.Bytes())
	return err
}

func (w *matchWriter) close() {
	if w.f != nil {
		w.f.Close()
	}
}
