package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/sopclass"
	"github.com/openradx/dcmnet/storescp"
)

var getCmd = &cobra.Command{
	Use:   "get <host:port> <dir>",
	Short: "Retrieve matched objects over this association with C-GET",
	Long: `get issues a C-GET and stores the objects the peer sends back on the same
association under <dir>. The association negotiates SCP role selection for
every storage SOP class so the inbound C-STOREs are legal.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, err := lookupModel(viper.GetString("get.model"))
		if err != nil {
			return err
		}
		if model.GetClassUID == "" {
			return fmt.Errorf("model %q has no C-GET service", viper.GetString("get.model"))
		}
		filter, err := parseQuery(viper.GetStringSlice("get.query"))
		if err != nil {
			return err
		}
		progress := &dcmnet.DicomProgress{}
		store, err := storescp.New(storescp.Params{
			Dir:         args[1],
			PathPattern: viper.GetString("get.pattern"),
			Progress:    progress,
		})
		if err != nil {
			return err
		}
		// The retrieve classes plus every storage class we are willing to
		// receive, the latter with reversed roles.
		services := append([]sopclass.SOPUID(nil), sopclass.QRGetClasses...)
		services = append(services, sopclass.StorageClasses...)
		params, err := userParams(services, nil)
		if err != nil {
			return err
		}
		params.SCPRoleClasses = sopclass.UIDs(sopclass.StorageClasses)
		su := dcmnet.NewServiceUser(params)
		defer su.Release()
		if err := connectPeer(su, args[0]); err != nil {
			return err
		}
		su.SetCancelAfter(viper.GetInt("get.cancel-after"))

		err = su.CGetModel(model, filter, progress, store.OnCStore)
		if errors.Is(err, dcmnet.ErrCancelled) {
			fmt.Printf("cancelled: %d object(s) stored before the cancel\n", progress.Completed())
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("C-GET done: %d completed, %d failed, %d warning(s)\n",
			progress.Completed(), progress.Failed(), progress.Warning())
		if progress.Failed() > 0 {
			return fmt.Errorf("%d suboperation(s) failed", progress.Failed())
		}
		return nil
	},
}

func init() {
	f := getCmd.Flags()
	f.String("model", "study", "information model: patient, study, patient-study, hanging, palette")
	f.StringArrayP("query", "q", nil, `query key "GGGGEEEE=value"`)
	f.Int("cancel-after", 0, "send C-CANCEL-RQ after this many pending responses")
	f.String("pattern", "", "path layout for stored files, e.g. {0020000D}/{00080018}.dcm")
	viper.BindPFlag("get.model", f.Lookup("model"))
	viper.BindPFlag("get.query", f.Lookup("query"))
	viper.BindPFlag("get.cancel-after", f.Lookup("cancel-after"))
	viper.BindPFlag("get.pattern", f.Lookup("pattern"))
}
