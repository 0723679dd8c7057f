package obj

import (
	"fmt"

	"github.com/ValentinKolb/dObj/cmd/util"
	"github.com/ValentinKolb/dObj/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcClient *client.Client
	session   *client.Session

	// ObjectCommands represents the object command group
	ObjectCommands = &cobra.Command{
		Use:                "obj",
		Short:              "Work with the objects of a dObj server",
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: closeClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common RPC flags to the object commands
	util.SetupRPCClientFlags(ObjectCommands)

	// Add subcommands
	ObjectCommands.AddCommand(queryCmd)
	ObjectCommands.AddCommand(viewCmd)
	ObjectCommands.AddCommand(setCmd)
	ObjectCommands.AddCommand(addCmd)
	ObjectCommands.AddCommand(createCmd)
	ObjectCommands.AddCommand(removeCmd)
	ObjectCommands.AddCommand(inactivateCmd)
	ObjectCommands.AddCommand(permCmd)
	ObjectCommands.AddCommand(historyCmd)
	ObjectCommands.AddCommand(statsCmd)

	queryCmd.Flags().Bool("editable", false, util.WrapString("Only list objects you may edit"))
	queryCmd.Flags().Int("limit", 0, util.WrapString("Maximum number of results (0 = unlimited)"))
	queryCmd.Flags().Bool("dump", false, util.WrapString("Print the visible fields of every match"))
	historyCmd.Flags().Duration("since", 0, util.WrapString("Only show events newer than this (e.g. 24h)"))
	historyCmd.Flags().Bool("logins", false, util.WrapString("Only show login events of the object"))
	historyCmd.Flags().Bool("full", false, util.WrapString("Show every event of the transactions that touched the object"))
}

// setupClient connects to the server and logs in
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	config := util.GetClientConfig()
	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	t, err := util.GetClientTransport()
	if err != nil {
		return err
	}

	rpcClient, err = client.NewRPCClient(*config, t, s)
	if err != nil {
		return err
	}

	user := viper.GetString("user")
	if user == "" {
		return fmt.Errorf("no user given (use --user or DOBJ_USER)")
	}
	session, err = rpcClient.Login(user, viper.GetString("password"))
	return err
}

// closeClient ends the session and closes the connection
func closeClient(_ *cobra.Command, _ []string) error {
	if session != nil {
		if err := session.Logout(); err != nil {
			return err
		}
	}
	if rpcClient != nil {
		return rpcClient.Close()
	}
	return nil
}
