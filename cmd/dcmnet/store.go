package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/storescu"
)

var storeCmd = &cobra.Command{
	Use:   "store <host:port> <file-or-dir>...",
	Short: "Send DICOM objects with C-STORE",
	Long: `store scans the given files and directories for DICOM (and native-model
XML) objects, opens one association covering every (SOP class, transfer
syntax) pair found, and sends each object. Per-file failures are counted,
not fatal; the exit status is nonzero when any object failed.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var printout *os.File
		if viper.GetBool("store.progress") {
			printout = os.Stdout
		}
		scan, err := storescu.Scan(args[1:], storescu.ScanOptions{Printout: printout})
		if err != nil {
			return err
		}
		defer os.Remove(scan.ManifestPath)
		if printout != nil {
			fmt.Println()
		}
		progress := &dcmnet.DicomProgress{}
		start := time.Now()
		stats, err := storescu.Send(args[0], scan, storescu.SendOptions{
			CalledAETitle:  viper.GetString("called-aet"),
			CallingAETitle: viper.GetString("calling-aet"),
			MaxPDUSize:     viper.GetInt("max-pdu"),
			Timeouts:       timeoutsFromConfig(),
			TLSConfig:      clientTLSConfig(),
			Progress:       progress,
			Concurrency:    viper.GetInt("store.concurrency"),
		})
		if err != nil {
			return err
		}
		fmt.Printf("sent %d object(s), %d warning(s), %d failure(s), %d byte(s), %d skipped, in %s\n",
			stats.Completed, stats.Warned, stats.Failed, stats.TotalSize,
			scan.Skipped, fmtDuration(time.Since(start)))
		if stats.Failed > 0 {
			return fmt.Errorf("%d object(s) failed", stats.Failed)
		}
		return nil
	},
}

func init() {
	f := storeCmd.Flags()
	f.Int("concurrency", 1, "C-STOREs in flight at once on the association")
	f.Bool("progress", true, `print "." per scanned file and "I" per skipped one`)
	viper.BindPFlag("store.concurrency", f.Lookup("concurrency"))
	viper.BindPFlag("store.progress", f.Lookup("progress"))
}
