// Command dcmnet talks the DICOM upper-layer protocol: C-ECHO verification,
// C-STORE batch sends, C-FIND queries, C-MOVE/C-GET retrieves, and a storage
// server that can also forward received objects to another peer.
package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/sopclass"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dcmnet",
	Short: "DICOM network client and server",
	Long: `dcmnet speaks the DICOM upper-layer protocol over TCP.

Every client command takes the peer as a host:port argument; the AE titles,
PDU size and timeouts come from flags, a config file, or DCMNET_* environment
variables. Exit status is 0 only when the operation fully succeeded.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dcmnet: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (YAML; flags override it)")
	pf.String("calling-aet", "DCMNET", "application entity title of this side")
	pf.String("called-aet", "ANY-SCP", "application entity title of the peer")
	pf.Int("max-pdu", 0, "maximum PDU size to advertise (0 = library default)")
	pf.Duration("connect-timeout", 0, "TCP connect timeout (0 = library default)")
	pf.Duration("accept-timeout", 0, "association handshake timeout")
	pf.Duration("release-timeout", 0, "association release timeout")
	pf.Bool("tls", false, "wrap client connections in TLS")
	pf.Bool("tls-insecure", false, "skip peer certificate verification")
	viper.BindPFlags(pf)

	rootCmd.AddCommand(echoCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(moveCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(forwardCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "dcmnet: config: %v\n", err)
			os.Exit(1)
		}
	}
	viper.SetEnvPrefix("dcmnet")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func timeoutsFromConfig() dcmnet.AssociationTimeouts {
	return dcmnet.AssociationTimeouts{
		Connect: viper.GetDuration("connect-timeout"),
		Accept:  viper.GetDuration("accept-timeout"),
		Release: viper.GetDuration("release-timeout"),
	}
}

// clientTLSConfig returns nil unless --tls was given.
func clientTLSConfig() *tls.Config {
	if !viper.GetBool("tls") {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: viper.GetBool("tls-insecure")}
}

// connectPeer dials addr, over TLS when --tls is set, and hands the
// connection to the service user.
func connectPeer(su *dcmnet.ServiceUser, addr string) error {
	cfg := clientTLSConfig()
	if cfg == nil {
		su.Connect(addr)
		return nil
	}
	conn, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		return err
	}
	su.SetConn(conn)
	return nil
}

// userParams assembles ServiceUserParams from the global flags.
func userParams(requiredServices []sopclass.SOPUID, transferSyntaxes []string) (dcmnet.ServiceUserParams, error) {
	params, err := dcmnet.NewServiceUserParams(
		viper.GetString("called-aet"), viper.GetString("calling-aet"),
		requiredServices, transferSyntaxes)
	if err != nil {
		return params, err
	}
	params.MaxPDUSize = viper.GetInt("max-pdu")
	params.Timeouts = timeoutsFromConfig()
	return params, nil
}

// parseTagLiteral accepts "GGGGEEEE" or "GGGG,EEEE".
func parseTagLiteral(s string) (dicomtag.Tag, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
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

// parseQuery turns repeated --query "GGGGEEEE=value" flags into dataset
// elements. An empty value requests the attribute in the matches without
// filtering on it.
func parseQuery(args []string) ([]*dicom.Element, error) {
	var elems []*dicom.Element
	for _, arg := range args {
		key, value, _ := strings.Cut(arg, "=")
		tag, err := parseTagLiteral(key)
		if err != nil {
			return nil, err
		}
		elem, err := dicom.NewElement(tag, value)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", arg, err)
		}
		elems = append(elems, elem)
	}
	return elems, nil
}

// parseNode accepts "AET@host:port".
func parseNode(s string) (dcmnet.Node, error) {
	aet, addr, ok := strings.Cut(s, "@")
	if !ok {
		return dcmnet.Node{}, fmt.Errorf("%q: want AET@host:port", s)
	}
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok {
		return dcmnet.Node{}, fmt.Errorf("%q: want AET@host:port", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return dcmnet.Node{}, fmt.Errorf("%q: bad port", s)
	}
	return dcmnet.Node{AETitle: aet, Host: host, Port: port}, nil
}

var qrModels = map[string]dcmnet.QRInformationModel{
	"patient":       dcmnet.PatientRootInformationModel,
	"study":         dcmnet.StudyRootInformationModel,
	"patient-study": dcmnet.PatientStudyOnlyInformationModel,
	"worklist":      dcmnet.ModalityWorklistInformationModel,
	"ups-pull":      dcmnet.UnifiedProcedureStepPullInformationModel,
	"ups-watch":     dcmnet.UnifiedProcedureStepWatchInformationModel,
	"hanging":       dcmnet.HangingProtocolInformationModel,
	"palette":       dcmnet.ColorPaletteInformationModel,
}

func lookupModel(name string) (dcmnet.QRInformationModel, error) {
	model, ok := qrModels[name]
	if !ok {
		names := make([]string, 0, len(qrModels))
		for n := range qrModels {
			names = append(names, n)
		}
		return model, fmt.Errorf("unknown information model %q (one of %s)", name, strings.Join(names, ", "))
	}
	return model, nil
}

// fmtDuration renders elapsed time for the per-command summaries.
func fmtDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
