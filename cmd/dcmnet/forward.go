package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"v.io/x/lib/vlog"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/forward"
)

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Relay received objects to another peer",
	Long: `forward accepts associations like serve, but instead of writing
received objects to disk it re-issues each C-STORE to the --to destination,
splicing the bytes through untouched when the destination accepted the
source transfer syntax and transcoding otherwise.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		destNode, err := parseNode(viper.GetString("forward.to"))
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		params := dcmnet.ServiceProviderParams{
			AETitle:                viper.GetString("forward.aet"),
			AllowedCallingAETitles: viper.GetStringSlice("forward.allowed-aets"),
			MaxPDUSize:             viper.GetInt("max-pdu"),
			Timeouts:               timeoutsFromConfig(),
		}
		progress := &dcmnet.DicomProgress{}
		progress.AddListener(func(s dcmnet.DicomState) {
			vlog.Infof("dcmnet: %s -> %v (%d completed, %d failed)",
				s.Current, s.Status, s.Completed, s.Failed)
		})
		fwd := forward.New(forward.Params{
			Source:      dcmnet.Node{AETitle: params.AETitle},
			Destination: destNode,
			Progress:    progress,
			Quality:     viper.GetInt("forward.jpeg-quality"),
			MaxPDUSize:  viper.GetInt("max-pdu"),
			Timeouts:    timeoutsFromConfig(),
		})
		defer fwd.Close()
		params.CStore = fwd.OnCStore
		listenAddr := viper.GetString("forward.listen")
		fmt.Printf("forwarding on %s as %s -> %s\n", listenAddr, params.AETitle, destNode)
		return dcmnet.NewServiceProvider(params).Run(listenAddr)
	},
}

func init() {
	f := forwardCmd.Flags()
	f.String("aet", "FORWARDSCP", "application entity title of this proxy")
	f.String("listen", ":11113", "TCP address to accept associations on")
	f.String("to", "", "destination as AET@host:port")
	f.Int("jpeg-quality", 85, "baseline JPEG quality when transcoding")
	f.StringSlice("allowed-aets", nil, "calling AE titles allowed to associate (empty = all)")
	for _, name := range []string{"aet", "listen", "to", "jpeg-quality", "allowed-aets"} {
		viper.BindPFlag("forward."+name, f.Lookup(name))
	}
}
