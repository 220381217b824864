package taskq

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// Deployer starts a taskq service reachable at url.
type Deployer interface {
	Deploy(ctx context.Context, url string) error
}

// DeployerFunc adapts a function to Deployer.
type DeployerFunc func(ctx context.Context, url string) error

func (f DeployerFunc) Deploy(ctx context.Context, url string) error { return f(ctx, url) }

// ProcessDeployer starts the service as a detached child process running
// "<executable> taskq serve --host H --port P".
type ProcessDeployer struct {
	// Executable defaults to the running binary.
	Executable string
	Logger     *zap.Logger
}

func (d ProcessDeployer) Deploy(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return fmt.Errorf("taskq URL %q needs an explicit port: %w", rawURL, err)
	}

	exe := d.Executable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return err
		}
	}

	// Not bound to ctx: the service outlives the call that deployed it.
	cmd := exec.Command(exe, "taskq", "serve", "--host", host, "--port", port)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", exe, err)
	}
	if d.Logger != nil {
		d.Logger.Info("Started taskq service process",
			zap.String("executable", exe),
			zap.Int("pid", cmd.Process.Pid),
			zap.String("addr", u.Host))
	}
	// Reap the child when it exits so a long-lived parent does not collect
	// zombies.
	go func() {
		err := cmd.Wait()
		if d.Logger != nil {
			d.Logger.Info("taskq service process exited", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		}
	}()
	return nil
}
