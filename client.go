package main

import (
	"io"
	"net"
	"os"
	"time"

	"ghosttab/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
)

// daemonStartTimeout bounds how long the client waits for a fresh daemon
const daemonStartTimeout = 5 * time.Second

var errDaemonNotReady = errors.New("daemon not ready")

// Client relays msgpack-rpc between Neovim on stdio and the daemon socket
type Client struct {
	socketPath string
}

func NewClient() *Client {
	return &Client{socketPath: getSocketPath()}
}

func (c *Client) Connect() error {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		_, _ = io.Copy(conn, os.Stdin)
		conn.Close()
	}()

	_, err = io.Copy(os.Stdout, conn)
	return err
}

func (c *Client) EnsureDaemonRunning() error {
	if running, pid := isDaemonRunning(); running {
		logger.Debug("daemon already running with PID %d", pid)
		return nil
	}
	return c.startDaemon()
}

func (c *Client) startDaemon() error {
	logger.Debug("starting daemon...")

	_, err := os.StartProcess(os.Args[0], []string{os.Args[0], "daemon"}, &os.ProcAttr{
		Env:   os.Environ(),
		Files: []*os.File{nil, nil, nil},
	})
	if err != nil {
		return errors.Wrap(err, "start daemon process")
	}
	return c.waitForDaemon()
}

// waitForDaemon polls until the daemon has written its PID and created its
// socket. Dialing would register a connection with the daemon.
func (c *Client) waitForDaemon() error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = daemonStartTimeout

	err := backoff.Retry(func() error {
		if running, _ := isDaemonRunning(); !running {
			return errDaemonNotReady
		}
		if _, err := os.Stat(c.socketPath); err != nil {
			return errDaemonNotReady
		}
		return nil
	}, b)
	if err != nil {
		return errors.Wrapf(err, "daemon failed to start within %s", daemonStartTimeout)
	}
	logger.Debug("daemon started successfully")
	return nil
}
