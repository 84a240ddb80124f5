package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/tabhub/internal/protocol"
)

// Link carries whole frames between the host and the browser executor.
type Link interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

type streamLink struct {
	rwc    io.ReadWriteCloser
	fr     *protocol.FrameReader
	maxOut int
	wmu    sync.Mutex
}

// NewStreamLink frames rwc with 4-byte little-endian length prefixes, the
// browser native messaging format. Both directions share the inbound cap.
func NewStreamLink(rwc io.ReadWriteCloser) Link {
	return newStreamLink(rwc, protocol.MaxInboundFrame)
}

func newStreamLink(rwc io.ReadWriteCloser, maxOut int) *streamLink {
	return &streamLink{rwc: rwc, fr: protocol.NewFrameReader(rwc, protocol.MaxInboundFrame), maxOut: maxOut}
}

func (l *streamLink) ReadFrame() ([]byte, error) { return l.fr.ReadFrame() }

func (l *streamLink) WriteFrame(data []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return protocol.WriteFrame(l.rwc, data, l.maxOut)
}

func (l *streamLink) Close() error { return l.rwc.Close() }

type stdio struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (s stdio) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s stdio) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s stdio) Close() error {
	err := s.r.Close()
	if werr := s.w.Close(); err == nil {
		err = werr
	}
	return err
}

// NewStdioLink frames a separate reader and writer, such as the process's
// stdin and stdout when launched as a native messaging host. Outbound frames
// are held to the browser's host-to-extension limit.
func NewStdioLink(r io.ReadCloser, w io.WriteCloser) Link {
	return newStreamLink(stdio{r: r, w: w}, protocol.MaxOutboundFrame)
}

type wsLink struct {
	conn  net.Conn
	state ws.State
	wmu   sync.Mutex
}

// NewWSLink wraps an upgraded websocket connection. Each text message is one frame.
func NewWSLink(conn net.Conn, state ws.State) Link {
	return &wsLink{conn: conn, state: state}
}

func (l *wsLink) ReadFrame() ([]byte, error) {
	for {
		data, op, err := wsutil.ReadData(l.conn, l.state)
		if err != nil {
			return nil, err
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		if len(data) > protocol.MaxInboundFrame {
			return nil, fmt.Errorf("%w: %d bytes", protocol.ErrFrameTooLarge, len(data))
		}
		return data, nil
	}
}

func (l *wsLink) WriteFrame(data []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return wsutil.WriteMessage(l.conn, l.state, ws.OpText, data)
}

func (l *wsLink) Close() error { return l.conn.Close() }

// Upgrade accepts a websocket channel connection on an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request) (Link, error) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return NewWSLink(conn, ws.StateServerSide), nil
}

// Dial connects to a host channel endpoint, presenting token as a bearer credential.
func Dial(ctx context.Context, url, token string) (Link, error) {
	d := ws.Dialer{}
	if token != "" {
		d.Header = ws.HandshakeHeaderHTTP(http.Header{"Authorization": []string{"Bearer " + token}})
	}
	conn, _, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSLink(conn, ws.StateClientSide), nil
}
