package proxy

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Egida/fortress/internal/fortress/ja3"
	"github.com/Egida/fortress/internal/fortress/l4"
	"github.com/Egida/fortress/internal/fortress/metrics"
	"github.com/Egida/fortress/internal/fortress/slowloris"
)

// handshakeByteBudget is a rough upper bound on how many bytes a
// TLS 1.2/1.3 handshake exchanges on one connection; once a
// connection has moved more than this many bytes total, it's treated
// as past the handshake for slowloris's header-complete heuristic,
// since application data is opaque ciphertext at this layer.
const handshakeByteBudget = 16 * 1024

// admissionListener sits in front of the TLS handshake and applies L4
// admission control (§4.1) to every accepted TCP connection before a
// single byte of TLS is parsed: over the concurrent-connection cap or
// the per-IP connect rate, a connection is dropped or tarpitted and
// never reaches crypto/tls at all. Admitted connections are also
// registered with a slowloris.Detector and actively killed by a
// background janitor once flagged.
type admissionListener struct {
	net.Listener
	tracker   *l4.Tracker
	slowloris *slowloris.Detector

	nextConnID atomic.Uint64
	active     sync.Map // uint64 connID -> *sniffedConn
}

func newAdmissionListener(inner net.Listener, tracker *l4.Tracker, detector *slowloris.Detector) *admissionListener {
	return &admissionListener{Listener: inner, tracker: tracker, slowloris: detector}
}

func (l *admissionListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		ip := hostOf(conn.RemoteAddr())

		switch l.tracker.CheckConnection(ip) {
		case l4.ActionDrop:
			metrics.L4ConnectionsDroppedTotal.Inc()
			_ = conn.Close()
			continue
		case l4.ActionTarpit:
			delay := l.tracker.TarpitDelay()
			go func(c net.Conn) {
				time.Sleep(delay)
				_ = c.Close()
			}(conn)
			continue
		}

		l.tracker.RegisterConnection(ip)
		metrics.L4ConnectionsTracked.Set(float64(l.tracker.Metrics().TrackedIPs))

		connID := l.nextConnID.Add(1)
		sc := &sniffedConn{
			Conn: conn, br: bufio.NewReader(conn), ip: ip, connID: connID,
			tracker: l.tracker, slowloris: l.slowloris, listener: l,
		}
		if l.slowloris != nil {
			l.slowloris.TrackConnection(ip, connID)
			l.active.Store(connID, sc)
		}
		return sc, nil
	}
}

// watchSlowloris polls the detector every interval and force-closes any
// connection it flags, until stop is closed.
func (l *admissionListener) watchSlowloris(interval time.Duration, stop <-chan struct{}) {
	if l.slowloris == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.slowloris.Cleanup()
			l.active.Range(func(key, value any) bool {
				connID := key.(uint64)
				sc := value.(*sniffedConn)
				if l.slowloris.IsSlowloris(sc.ip, connID) {
					_ = sc.Close()
				}
				return true
			})
		}
	}
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// sniffedConn wraps an admitted connection so that the first Read call
// — which, for a TLS connection, delivers the ClientHello record —
// is also fed to the JA3 parser before being handed to crypto/tls.
// Unregisters itself from the L4 tracker on Close so concurrent-
// connection accounting never leaks.
type sniffedConn struct {
	net.Conn
	br   *bufio.Reader
	once sync.Once

	ja3Hash string

	ip         string
	connID     uint64
	totalBytes atomic.Uint64
	tracker    *l4.Tracker
	slowloris  *slowloris.Detector
	listener   *admissionListener
	closeOnce  sync.Once
}

func (c *sniffedConn) Read(b []byte) (int, error) {
	c.once.Do(c.sniff)
	n, err := c.br.Read(b)
	if n > 0 && c.slowloris != nil {
		total := c.totalBytes.Add(uint64(n))
		c.slowloris.UpdateProgress(c.ip, c.connID, uint64(n), total > handshakeByteBudget)
	}
	return n, err
}

// sniff peeks the ClientHello TLS record without consuming it from the
// buffered reader, so crypto/tls still sees the full handshake.
func (c *sniffedConn) sniff() {
	header, err := c.br.Peek(5)
	if err != nil {
		return
	}
	recLen := int(header[3])<<8 | int(header[4])
	record, err := c.br.Peek(5 + recLen)
	if err != nil {
		return
	}
	fp, err := ja3.Parse(record)
	if err != nil {
		return
	}
	c.ja3Hash = fp.Hash()
}

func (c *sniffedConn) Close() error {
	c.closeOnce.Do(func() {
		c.tracker.UnregisterConnection(c.ip)
		if c.slowloris != nil {
			c.slowloris.EndConnection(c.ip, c.connID)
			c.listener.active.Delete(c.connID)
		}
	})
	return c.Conn.Close()
}
