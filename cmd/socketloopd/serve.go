package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/longztian/socketloop/internal/app"
	"github.com/longztian/socketloop/internal/evloop"
	"github.com/longztian/socketloop/internal/frame"
	"github.com/longztian/socketloop/internal/metrics"
	"github.com/longztian/socketloop/internal/wsconfig"
	"github.com/longztian/socketloop/internal/wsconn"
	"github.com/longztian/socketloop/internal/wslog"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Accept WebSocket connections and run the event loop",
	RunE:    runServe,
	Example: "# socketloopd serve --config socketloop.yaml",
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// appProxy breaks the construction cycle between wsconn.Registry (which
// needs an Application at NewRegistry time) and app.Echo (which needs the
// Registry as its Sender): the registry is handed a proxy first, and the
// proxy is pointed at the real application once both exist.
type appProxy struct {
	target wsconn.Application
}

func (p *appProxy) OnMessage(id wsconn.ConnID, opcode frame.Opcode, payload []byte) {
	if p.target != nil {
		p.target.OnMessage(id, opcode, payload)
	}
}

func loadConfig(path string) (wsconfig.Daemon, error) {
	if path == "" {
		return wsconfig.Default(), nil
	}
	cfg, err := wsconfig.LoadPath(path)
	if err != nil {
		return wsconfig.Daemon{}, err
	}
	d := wsconfig.Default()
	if err := cfg.Unpack(&d); err != nil {
		return wsconfig.Daemon{}, err
	}
	return d, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	daemon, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := wslog.New(wslog.Options{
		Stdout:     daemon.Logger.Stdout,
		Level:      daemon.Logger.Level,
		Filename:   daemon.Logger.Filename,
		MaxSize:    daemon.Logger.MaxSize,
		MaxAge:     daemon.Logger.MaxAge,
		MaxBackups: daemon.Logger.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	loop, err := evloop.NewEpollLoop()
	if err != nil {
		return fmt.Errorf("failed to create epoll instance: %w", err)
	}
	defer loop.Close()

	proxy := &appProxy{}
	reg := wsconn.NewRegistry(loop, proxy, wsconn.Config{
		BufferSize:        daemon.Core.BufferSize,
		PoolCap:           daemon.Core.PoolCap,
		MaxHandshakeBytes: daemon.Core.MaxHandshakeBytes,
		MaxMessageBytes:   daemon.Core.MaxMessageBytes,
		Logger:            log,
	})

	stats := app.NewStats()
	echo := app.NewEcho(app.Config{}, stats, reg)
	proxy.target = echo

	var idleTimeout time.Duration
	if daemon.Core.IdleTimeout != "" {
		idleTimeout, err = time.ParseDuration(daemon.Core.IdleTimeout)
		if err != nil {
			return fmt.Errorf("invalid core.idleTimeout %q: %w", daemon.Core.IdleTimeout, err)
		}
	}

	ln, err := net.Listen("tcp", daemon.Listen.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", daemon.Listen.Addr, err)
	}
	log.Infof("listening on %s", daemon.Listen.Addr)

	var adminSrv *metrics.Server
	if daemon.Metrics.Enabled {
		adminSrv = metrics.New(daemon.Metrics.Addr, reg, true)
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil {
				log.Errorf("admin server: %v", err)
			}
		}()
		log.Infof("admin server listening on %s", daemon.Metrics.Addr)
	}

	acceptDone := make(chan struct{})
	go acceptLoop(ln, reg, log, daemon.Listen.NoDelay, acceptDone)

	go func() {
		if err := loop.Run(); err != nil {
			log.Errorf("event loop stopped: %v", err)
		}
	}()

	if idleTimeout > 0 {
		go sweepLoop(reg, idleTimeout, acceptDone)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Infof("shutting down")
	close(acceptDone)
	ln.Close()
	loop.Stop()
	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		adminSrv.Shutdown(ctx)
	}
	return nil
}

func acceptLoop(ln net.Listener, reg *wsconn.Registry, log wslog.Logger, noDelay bool, done <-chan struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-done:
				return
			default:
				log.Warnf("accept: %v", err)
				continue
			}
		}

		fd, err := detachFD(conn, noDelay)
		if err != nil {
			log.Warnf("failed to detach fd: %v", err)
			conn.Close()
			continue
		}

		if err := reg.Add(fd); err != nil {
			log.Warnf("failed to register fd %d: %v", fd, err)
			unix.Close(fd)
			continue
		}
		metrics.AcceptedConnection()
	}
}

// detachFD takes ownership of conn's underlying file descriptor as a plain,
// non-blocking int the registry can epoll directly, and closes the original
// net.Conn wrapper without closing the fd out from under it.
func detachFD(conn net.Conn, noDelay bool) (int, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return 0, fmt.Errorf("unexpected connection type %T", conn)
	}

	file, err := tcpConn.File()
	if err != nil {
		return 0, err
	}
	conn.Close()

	fd := int(file.Fd())
	runtime.SetFinalizer(file, nil) // the registry now owns fd's lifetime

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if noDelay {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	return fd, nil
}

func sweepLoop(reg *wsconn.Registry, idleAfter time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(idleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			reg.Sweep(idleAfter)
		}
	}
}
