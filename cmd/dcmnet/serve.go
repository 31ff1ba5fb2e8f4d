package main

import (
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"v.io/x/lib/vlog"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/storescp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a storage provider",
	Long: `serve accepts associations and answers C-ECHO and C-STORE. Received
objects are written under --dir using the atomic temp-then-rename protocol.
With --tls-cert and --tls-key the listener speaks TLS.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		params := dcmnet.ServiceProviderParams{
			AETitle:                viper.GetString("serve.aet"),
			AllowedCallingAETitles: viper.GetStringSlice("serve.allowed-aets"),
			MaxPDUSize:             viper.GetInt("max-pdu"),
			Timeouts:               timeoutsFromConfig(),
		}
		progress := &dcmnet.DicomProgress{}
		progress.AddListener(func(s dcmnet.DicomState) {
			vlog.Infof("dcmnet: %s -> %v (%d completed, %d failed)",
				s.Current, s.Status, s.Completed, s.Failed)
		})
		store, err := storescp.New(storescp.Params{
			Dir:                       viper.GetString("serve.dir"),
			PathPattern:               viper.GetString("serve.pattern"),
			AuthorizedCallingAETitles: viper.GetStringSlice("serve.authorized-aets"),
			Progress:                  progress,
			ReceiveDelay:              viper.GetDuration("serve.receive-delay"),
			ResponseDelay:             viper.GetDuration("serve.response-delay"),
		})
		if err != nil {
			return err
		}
		params.CStore = store.OnCStore
		if metricsAddr := viper.GetString("serve.metrics"); metricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					vlog.Errorf("dcmnet: metrics listener: %v", err)
				}
			}()
		}
		sp := dcmnet.NewServiceProvider(params)
		listenAddr := viper.GetString("serve.listen")
		certFile := viper.GetString("serve.tls-cert")
		keyFile := viper.GetString("serve.tls-key")
		if (certFile == "") != (keyFile == "") {
			return fmt.Errorf("--tls-cert and --tls-key must be given together")
		}
		if certFile != "" {
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				return err
			}
			ln, err := tls.Listen("tcp", listenAddr,
				&tls.Config{Certificates: []tls.Certificate{cert}})
			if err != nil {
				return err
			}
			fmt.Printf("listening on %s (TLS) as %s\n", listenAddr, params.AETitle)
			return sp.RunListener(ln)
		}
		fmt.Printf("listening on %s as %s\n", listenAddr, params.AETitle)
		return sp.Run(listenAddr)
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("aet", "STORESCP", "application entity title of this server")
	f.String("listen", ":11112", "TCP address to accept associations on")
	f.String("dir", "dcmnet-storage", "storage root for received objects")
	f.String("pattern", "", "path layout for stored files, e.g. {00080020,date,2006/01/02}/{00080018}.dcm")
	f.StringSlice("allowed-aets", nil, "calling AE titles allowed to associate (empty = all)")
	f.StringSlice("authorized-aets", nil, "calling AE titles allowed to store; others get status 0x0124 per object (empty = all)")
	f.String("tls-cert", "", "PEM certificate; serve associations over TLS")
	f.String("tls-key", "", "PEM private key for --tls-cert")
	f.String("metrics", "", "serve Prometheus metrics on this address, e.g. :9090")
	f.Duration("receive-delay", 0, "artificial delay before storing each object (testing)")
	f.Duration("response-delay", 0, "artificial delay before each C-STORE response (testing)")
	for _, name := range []string{"aet", "listen", "dir", "pattern", "allowed-aets",
		"authorized-aets", "tls-cert", "tls-key", "metrics", "receive-delay", "response-delay"} {
		viper.BindPFlag("serve."+name, f.Lookup(name))
	}
}
