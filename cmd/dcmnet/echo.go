package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openradx/dcmnet"
	"github.com/openradx/dcmnet/sopclass"
)

var echoCmd = &cobra.Command{
	Use:   "echo <host:port>",
	Short: "Verify connectivity with a C-ECHO",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := userParams(sopclass.VerificationClasses, nil)
		if err != nil {
			return err
		}
		su := dcmnet.NewServiceUser(params)
		defer su.Release()
		if err := connectPeer(su, args[0]); err != nil {
			return err
		}
		start := time.Now()
		if err := su.CEcho(); err != nil {
			return err
		}
		fmt.Printf("C-ECHO to %s succeeded in %s\n", args[0], fmtDuration(time.Since(start)))
		return nil
	},
}
