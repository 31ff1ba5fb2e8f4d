package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/sopclass"
)

var moveCmd = &cobra.Command{
	Use:   "move <host:port>",
	Short: "Ask a peer to send matched objects elsewhere with C-MOVE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest := viper.GetString("move.dest")
		if dest == "" {
			return fmt.Errorf("--dest is required")
		}
		model, err := lookupModel(viper.GetString("move.model"))
		if err != nil {
			return err
		}
		if model.MoveClassUID == "" {
			return fmt.Errorf("model %q has no C-MOVE service", viper.GetString("move.model"))
		}
		filter, err := parseQuery(viper.GetStringSlice("move.query"))
		if err != nil {
			return err
		}
		params, err := userParams(sopclass.QRMoveClasses, nil)
		if err != nil {
			return err
		}
		su := dcmnet.NewServiceUser(params)
		if err := connectPeer(su, args[0]); err != nil {
			return err
		}
		su.SetCancelAfter(viper.GetInt("move.cancel-after"))

		progress := &dcmnet.DicomProgress{}
		progress.AddListener(func(s dcmnet.DicomState) {
			fmt.Printf("remaining %d, completed %d, failed %d, warning %d\n",
				s.Remaining, s.Completed, s.Failed, s.Warning)
		})
		err = su.CMoveModel(dest, model, filter, progress)
		if errors.Is(err, dcmnet.ErrCancelled) && viper.GetBool("move.release-eager") {
			// The caller no longer cares about the drained responses.
			su.ReleaseEager()
		} else {
			su.Release()
		}
		if err != nil && !errors.Is(err, dcmnet.ErrCancelled) {
			return err
		}
		fmt.Printf("C-MOVE to %s done: %d completed, %d failed, %d warning(s)\n",
			dest, progress.Completed(), progress.Failed(), progress.Warning())
		if errors.Is(err, dcmnet.ErrCancelled) {
			fmt.Println("cancelled")
			return nil
		}
		if progress.Failed() > 0 {
			return fmt.Errorf("%d suboperation(s) failed", progress.Failed())
		}
		return nil
	},
}

func init() {
	f := moveCmd.Flags()
	f.String("dest", "", "destination AE title the peer sends the objects to")
	f.String("model", "study", "information model: patient, study, patient-study, hanging, palette")
	f.StringArrayP("query", "q", nil, `query key "GGGGEEEE=value"`)
	f.Int("cancel-after", 0, "send C-CANCEL-RQ after this many pending responses")
	f.Bool("release-eager", false, "after a cancel, release without draining outstanding responses")
	viper.BindPFlag("move.dest", f.Lookup("dest"))
	viper.BindPFlag("move.model", f.Lookup("model"))
	viper.BindPFlag("move.query", f.Lookup("query"))
	viper.BindPFlag("move.cancel-after", f.Lookup("cancel-after"))
	viper.BindPFlag("move.release-eager", f.Lookup("release-eager"))
}
