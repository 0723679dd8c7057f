package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dObj/cmd/util"
	"github.com/ValentinKolb/dObj/lib/audit"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/journal"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/ValentinKolb/dObj/lib/session"
	"github.com/ValentinKolb/dObj/rpc/common"
	"github.com/ValentinKolb/dObj/rpc/serializer"
	"github.com/ValentinKolb/dObj/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the dObj server",
		Long:    `Start the dObj server with the specified configuration. The configuration can be set via command line flags, environment variables or a .env file. The format of the environment variables is DOBJ_<flag> (e.g. DOBJ_IDLE_TIMEOUT=600)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. 0.0.0.0:8080, /tmp/dobj.sock, ...)"))

	key = "transport-workers"
	ServeCmd.PersistentFlags().Int(key, 4, cmdUtil.WrapString("Requests handled at once per connection (tcp and unix only)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "schema"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("YAML file describing the object types. Without it only the built-in administrative types exist"))

	key = "oversight"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Run consistency checks on every commit"))

	key = "journal"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("File committed transactions are appended to and replayed from at startup. Empty keeps the journal in memory, nothing survives a restart"))

	key = "audit-driver"
	ServeCmd.PersistentFlags().String(key, "memory", cmdUtil.WrapString("Audit log backend (memory, sqlite, postgres)"))

	key = "audit-dsn"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Audit log data source: a file path for sqlite, a connection string for postgres"))

	key = "supergash-password"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Password of the supergash persona, used to bootstrap an empty store"))

	key = "idle-timeout"
	ServeCmd.PersistentFlags().Int64(key, 1800, cmdUtil.WrapString("Seconds after which an idle session is disconnected and its transaction aborted (0 disables the reaper)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.Transport = viper.GetString("transport")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.TransportWorkers = viper.GetInt("transport-workers")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.Schema = viper.GetString("schema")
	serveCmdConfig.Oversight = viper.GetBool("oversight")
	serveCmdConfig.Journal = viper.GetString("journal")
	serveCmdConfig.AuditDriver = viper.GetString("audit-driver")
	serveCmdConfig.AuditDSN = viper.GetString("audit-dsn")
	serveCmdConfig.SupergashPassword = viper.GetString("supergash-password")
	serveCmdConfig.IdleTimeoutSecond = viper.GetInt64("idle-timeout")
	serveCmdConfig.Serializer = viper.GetString("serializer")

	if serveCmdConfig.IdleTimeoutSecond < 0 {
		return fmt.Errorf("idle-timeout must not be negative")
	}
	if serveCmdConfig.AuditDriver != "memory" && serveCmdConfig.AuditDSN == "" {
		return fmt.Errorf("audit-dsn is required for the %s audit driver", serveCmdConfig.AuditDriver)
	}

	return common.InitLoggers(serveCmdConfig.LogLevel)
}

// run starts the dObj server
func run(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := serializer.New(serveCmdConfig.Serializer)
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport(serveCmdConfig.Transport)
	if err != nil {
		return err
	}

	store, log, closeAll, err := openStore(ctx, serveCmdConfig, s)
	if err != nil {
		return err
	}
	defer closeAll()

	mgr := session.NewManager(store, session.Options{
		IdleTimeout: time.Duration(serveCmdConfig.IdleTimeoutSecond) * time.Second,
		Audit:       log,
	})
	go mgr.Run(ctx)
	defer mgr.Close(context.Background())

	serv := server.NewRPCServer(
		*serveCmdConfig,
		t,
		s,
		server.NewSessionServerAdapter(mgr),
	)

	return serv.Serve(ctx)
}

// openStore loads the schema, opens the journal and audit log, replays the
// journal and bootstraps an empty store. The returned function closes the
// collaborators.
func openStore(ctx context.Context, config *common.ServerConfig, codec journal.Codec) (*db.Store, audit.Log, func(), error) {
	sch, err := loadSchema(config.Schema)
	if err != nil {
		return nil, nil, nil, err
	}

	var j journal.Journal
	if config.Journal != "" {
		if j, err = journal.OpenFile(config.Journal, codec); err != nil {
			return nil, nil, nil, err
		}
	} else {
		j = journal.NewMemoryJournal()
	}

	log, err := audit.Open(ctx, config.AuditDriver, config.AuditDSN)
	if err != nil {
		_ = j.Close()
		return nil, nil, nil, err
	}

	closeAll := func() {
		if err := j.Close(); err != nil {
			server.Logger.Errorf("failed to close journal: %v", err)
		}
		if err := log.Close(); err != nil {
			server.Logger.Errorf("failed to close audit log: %v", err)
		}
	}

	store, err := db.NewStore(sch, &db.Options{
		Oversight: config.Oversight,
		Persister: j,
		Audit:     log,
	})
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}

	n, err := journal.Restore(ctx, j, store)
	if err != nil {
		closeAll()
		return nil, nil, nil, fmt.Errorf("failed to replay journal: %w", err)
	}
	server.Logger.Infof("replayed %d transactions from the journal", n)

	personaType, _ := sch.Type(schema.PersonaType)
	if store.Stats().Objects[personaType.Name] == 0 && config.SupergashPassword == "" {
		closeAll()
		return nil, nil, nil, fmt.Errorf("the store is empty: supergash-password is required to bootstrap it")
	}
	if err := store.Bootstrap(ctx, config.SupergashPassword); err != nil {
		closeAll()
		return nil, nil, nil, fmt.Errorf("failed to bootstrap store: %w", err)
	}

	return store, log, closeAll, nil
}

func loadSchema(path string) (*schema.Schema, error) {
	if path != "" {
		return schema.LoadFile(path)
	}
	s := schema.New()
	if err := s.Publish(); err != nil {
		return nil, err
	}
	return s, nil
}
