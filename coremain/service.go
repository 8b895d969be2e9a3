package coremain

import (
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/PeerPigeon/PigeonNS/mlog"
)

var (
	svc    service.Service
	svcCfg = &service.Config{
		Name:        "pigeonns",
		DisplayName: "PigeonNS",
		Description: "Multicast DNS resolver for .local names.",
		Arguments:   []string{"serve", "--as-service"},
	}
)

// serverService adapts serve mode to the kardianos service interface.
type serverService struct {
	f *serveFlags
}

func (ss *serverService) Start(service.Service) error {
	// Start must not block; serve runs until the service manager
	// calls Stop.
	go func() {
		if err := runServe(ss.f); err != nil {
			mlog.S().Errorf("server exited: %v", err)
		}
	}()
	return nil
}

func (ss *serverService) Stop(service.Service) error {
	if sc := ss.f.closer(); sc != nil {
		sc.CloseWait()
	}
	return nil
}

func initService(sf *serveFlags) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := service.New(&serverService{f: sf}, svcCfg)
		if err != nil {
			return fmt.Errorf("failed to init service: %w", err)
		}
		svc = s
		return nil
	}
}

func newSvcControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:          action,
		Short:        short,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return service.Control(svc, action)
		},
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Show the system service status.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := svc.Status()
			if err != nil {
				return err
			}
			switch status {
			case service.StatusRunning:
				fmt.Println("running")
			case service.StatusStopped:
				fmt.Println("stopped")
			default:
				fmt.Println("unknown")
			}
			return nil
		},
	}
}
