package coremain

import (
	"sync"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/PeerPigeon/PigeonNS/pkg/safe_close"
)

type rootFlags struct {
	config string
}

type serveFlags struct {
	rf        *rootFlags
	host      string
	port      int
	asService bool

	mu sync.Mutex
	sc *safe_close.SafeClose
}

func (sf *serveFlags) setCloser(sc *safe_close.SafeClose) {
	sf.mu.Lock()
	sf.sc = sc
	sf.mu.Unlock()
}

func (sf *serveFlags) closer() *safe_close.SafeClose {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.sc
}

var rootCmd = &cobra.Command{
	Use:   "pigeonns",
	Short: "Multicast DNS resolver for .local names.",
}

func init() {
	rf := new(rootFlags)
	rootCmd.PersistentFlags().StringVarP(&rf.config, "config", "c", "", "config file")

	var (
		typ       string
		timeoutMs int
	)
	resolveCmd := &cobra.Command{
		Use:   "resolve <hostname>",
		Short: "Resolve a .local hostname to an address.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(rf, args[0], typ, timeoutMs)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := resolveCmd.Flags()
	fs.StringVar(&typ, "type", "A", "record type, A or AAAA")
	fs.IntVar(&timeoutMs, "timeout", 0, "query timeout in milliseconds")
	rootCmd.AddCommand(resolveCmd)

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print every name resolved on the local network.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(rf)
		},
		SilenceUsage: true,
	}
	rootCmd.AddCommand(monitorCmd)

	sf := &serveFlags{rf: rf}
	serveCmd := &cobra.Command{
		Use:   "serve [--port port] [--host host]",
		Short: "Run the resolver with its HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return err
				}
				return svc.Run()
			}
			return runServe(sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	sfs := serveCmd.Flags()
	sfs.StringVar(&sf.host, "host", "", "address to bind the HTTP API to")
	sfs.IntVar(&sf.port, "port", 0, "port to bind the HTTP API to")
	sfs.BoolVar(&sf.asService, "as-service", false, "run under the system service manager")
	sfs.MarkHidden("as-service")
	rootCmd.AddCommand(serveCmd)

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage pigeonns as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService(sf)
	serviceCmd.AddCommand(
		newSvcControlCmd("install", "Install the system service."),
		newSvcControlCmd("uninstall", "Uninstall the system service."),
		newSvcControlCmd("start", "Start the system service."),
		newSvcControlCmd("stop", "Stop the system service."),
		newSvcControlCmd("restart", "Restart the system service."),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)
}

// AddSubCmd registers an extra subcommand on the root command.
func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}
