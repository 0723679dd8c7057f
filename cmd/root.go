package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dObj/cmd/obj"
	"github.com/ValentinKolb/dObj/cmd/serve"
	"github.com/ValentinKolb/dObj/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dobj",
		Short: "transactional object store",
		Long: fmt.Sprintf(`dObj (v%s)

An in-memory, transactional object database for administrative data.
Objects are typed and owned by groups, edits happen in checked-out
transactions and every commit is journaled and audited.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dObj",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dObj v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(obj.ObjectCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("serializer to use on the wire and for the journal (json, gob)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "http", util.WrapString("transport to use (http, tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
