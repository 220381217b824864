package cmd

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocumulus/pkg/queue/taskq"
)

var taskqCmd = &cobra.Command{
	Use:   "taskq",
	Short: "Companion HTTP queue service",
}

var taskqServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the taskq queue service",
	Long: `Run the in-memory taskq queue service. Queue backends named "taskq" talk
to it over HTTP; with TASKQ_DEPLOY=process they start it on demand.`,
	RunE: runTaskQServe,
}

var (
	taskqHost string
	taskqPort int
)

func init() {
	rootCmd.AddCommand(taskqCmd)
	taskqCmd.AddCommand(taskqServeCmd)
	taskqServeCmd.Flags().StringVar(&taskqHost, "host", "", "Listen host (overrides taskq.host)")
	taskqServeCmd.Flags().IntVar(&taskqPort, "port", 0, "Listen port (overrides taskq.port)")
}

func runTaskQServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := loadedCfg
	host, port := cfg.TaskQ.Host, cfg.TaskQ.Port
	if taskqHost != "" {
		host = taskqHost
	}
	if taskqPort != 0 {
		port = taskqPort
	}

	svc := taskq.NewService(logger().Named("taskq"))
	defer func() { _ = svc.Close() }()

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to listen", err)
	}
	srv := &http.Server{Handler: svc.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger().Info("Taskq service listening", zap.String("addr", ln.Addr().String()), zap.String("id", svc.ID()))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Taskq service failed", err)
		}
		return nil
	case <-ctx.Done():
	}
	return closeWithin(cfg.Server.ShutdownTimeout, srv.Shutdown)
}
