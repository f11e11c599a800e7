package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/barnettlynn/oseidcore/pkg/oseid"
)

// serveCmd runs a virtual card session loop: each connection is one card
// session that exchanges length-prefixed logical APDUs, the same role
// nfctools' reader loop plays for a physical PC/SC reader but over a plain
// socket instead of CCID.
var serveCmd = &cobra.Command{
	Use:   "serve [unix:///path | tcp://host:port | stdio]",
	Short: "Serve a virtual card over a socket or stdio",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDebugFlag()

		addr := "unix:///tmp/oseidcore.sock"
		if len(args) > 0 {
			addr = args[0]
		}

		card, err := openCard()
		if err != nil {
			return err
		}

		if addr == "stdio" {
			return serveConn(card, &stdioConn{r: os.Stdin, w: os.Stdout})
		}
		return serveNetwork(card, addr)
	},
}

func init() {
	serveCmd.Flags().Bool("single", false, "Exit after the first connection closes")
	_ = viper.BindPFlag("single", serveCmd.Flags().Lookup("single"))
}

func openCard() (*oseid.Card, error) {
	dbPath := viper.GetString("store-db")
	if dbPath == "" {
		return oseid.New(), nil
	}
	return oseid.OpenDurableCard(dbPath)
}

func serveNetwork(card *oseid.Card, addr string) error {
	network, laddr, err := splitNetworkAddr(addr)
	if err != nil {
		return err
	}

	lis, err := net.Listen(network, laddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer func() { _ = lis.Close() }()
	slog.Info("listening", "network", network, "addr", lis.Addr().String())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stop
		slog.Debug("shutting down")
		cancel()
		_ = lis.Close()
	}()

	single := viper.GetBool("single")
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		slog.Debug("accepted connection", "remote", conn.RemoteAddr())
		if single {
			return serveConn(card, conn)
		}
		if err := serveConn(card, conn); err != nil && !errors.Is(err, io.EOF) {
			slog.Error("session ended", "err", err)
		}
	}
}

func splitNetworkAddr(addr string) (network, laddr string, err error) {
	switch {
	case len(addr) > len("unix://") && addr[:len("unix://")] == "unix://":
		return "unix", addr[len("unix://"):], nil
	case len(addr) > len("tcp://") && addr[:len("tcp://")] == "tcp://":
		return "tcp", addr[len("tcp://"):], nil
	default:
		return "", "", fmt.Errorf("unrecognized address %q, want unix://, tcp:// or stdio", addr)
	}
}

// connExtender paces a long-running handler call by writing a single
// keepalive byte down the wire on a ticker, the connection-oriented
// counterpart to T=0's NULL-byte/T=1's WTX-request keepalive spec.md §5
// describes.
type connExtender struct {
	w      io.Writer
	ticker *time.Ticker
	stop   chan struct{}
}

func newConnExtender(w io.Writer) *connExtender {
	e := &connExtender{w: w, ticker: time.NewTicker(500 * time.Millisecond), stop: make(chan struct{})}
	go func() {
		for {
			select {
			case <-e.ticker.C:
				_, _ = e.w.Write([]byte{0x60})
			case <-e.stop:
				return
			}
		}
	}()
	return e
}

func (e *connExtender) Extend() {}

func (e *connExtender) Close() {
	e.ticker.Stop()
	close(e.stop)
}

// serveConn runs one card session over conn: a 2-byte big-endian length
// prefix precedes every logical APDU in both directions, a framing choice
// that keeps the wire protocol transport-agnostic (works identically over
// TCP, a unix socket, or stdio) while sidestepping T=0/T=1 byte-level
// handshakes, which belong to a real reader's firmware, not this core.
func serveConn(card *oseid.Card, conn io.ReadWriteCloser) error {
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	extender := newConnExtender(conn)
	defer extender.Close()
	card.SetTimeExtender(extender)

	protocol := oseid.T1
	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame length: %w", err)
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		apdu := make([]byte, n)
		if _, err := io.ReadFull(reader, apdu); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		resp := card.HandleAPDU(protocol, apdu)

		var out [2]byte
		binary.BigEndian.PutUint16(out[:], uint16(len(resp)))
		if _, err := conn.Write(out[:]); err != nil {
			return fmt.Errorf("write frame length: %w", err)
		}
		if _, err := conn.Write(resp); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
}

// stdioConn adapts os.Stdin/os.Stdout to io.ReadWriteCloser for the stdio
// transport, used for local debugging without opening a socket.
type stdioConn struct {
	r *os.File
	w *os.File
}

func (s *stdioConn) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdioConn) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdioConn) Close() error                { return nil }
