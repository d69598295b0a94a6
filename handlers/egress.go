package handlers

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// egressChunk is the largest slice of a combined body written per limiter
// grant. It is also each client's burst.
const egressChunk = 32 * 1024

// Egress caps the rate at which combined bodies leave the server. The cap is
// split evenly across the clients currently receiving a body, however many
// bundles each of them is fetching in parallel. A nil *Egress, or one with
// no cap, writes bodies straight through.
type Egress struct {
	mu      sync.Mutex
	limit   float64 // bytes/sec, 0 = unlimited
	clients map[string]*egressClient
	log     *zap.Logger
}

type egressClient struct {
	limiter *rate.Limiter
	active  int // bodies being sent to this client
}

// NewEgress returns a limiter sharing bytesPerSec across clients.
func NewEgress(bytesPerSec float64, log *zap.Logger) *Egress {
	if log == nil {
		log = zap.NewNop()
	}
	return &Egress{
		limit:   bytesPerSec,
		clients: make(map[string]*egressClient),
		log:     log.Named("bandwidth"),
	}
}

// Limit returns the cap in bytes per second.
func (e *Egress) Limit() float64 {
	if e == nil {
		return 0
	}
	return e.limit
}

// Send writes body as the response to r and reports the bytes written and
// the time spent waiting for the cap. HEAD requests write nothing. Writing
// stops when the client goes away.
func (e *Egress) Send(w http.ResponseWriter, r *http.Request, body []byte) (int, time.Duration, error) {
	if r.Method == http.MethodHead || len(body) == 0 {
		return 0, 0, nil
	}
	if e.Limit() <= 0 {
		n, err := w.Write(body)
		return n, 0, err
	}

	ip := clientIP(r)
	limiter := e.join(ip)
	defer e.leave(ip)

	ctx := r.Context()
	var (
		total  int
		waited time.Duration
	)
	for len(body) > 0 {
		n := min(len(body), egressChunk)
		start := time.Now()
		if err := limiter.WaitN(ctx, n); err != nil {
			return total, waited, err
		}
		waited += time.Since(start)

		written, err := w.Write(body[:n])
		total += written
		if err != nil {
			return total, waited, err
		}
		body = body[n:]
	}
	return total, waited, nil
}

// join registers a body in flight for ip and returns that client's limiter.
func (e *Egress) join(ip string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.clients[ip]
	if !ok {
		// Placeholder rate; rebalance sets the real share right away.
		c = &egressClient{limiter: rate.NewLimiter(1, egressChunk)}
		e.clients[ip] = c
	}
	c.active++
	e.rebalanceLocked()
	return c.limiter
}

// leave releases one body for ip, dropping the client after its last one.
func (e *Egress) leave(ip string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.clients[ip]
	if !ok {
		return
	}
	if c.active--; c.active <= 0 {
		delete(e.clients, ip)
	}
	e.rebalanceLocked()
}

// rebalanceLocked gives every active client an equal share. e.mu must be held.
func (e *Egress) rebalanceLocked() {
	n := len(e.clients)
	if n == 0 {
		return
	}
	share := e.limit / float64(n)
	for _, c := range e.clients {
		c.limiter.SetLimit(rate.Limit(share))
	}
	e.log.Debug("Rate rebalance", zap.Int("clients", n), zap.String("share", FormatBits(share)))
}

// share returns the current rate granted to ip, or 0 when it is idle.
func (e *Egress) share(ip string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[ip]; ok {
		return float64(c.limiter.Limit())
	}
	return 0
}

// FormatBits formats a bytes-per-second value as bits per second (bps, Kbps,
// Mbps, Gbps), the unit --bandwidth is configured in.
func FormatBits(bytesPerSec float64) string {
	bps := bytesPerSec * 8
	switch {
	case bps >= 1_000_000_000:
		return fmt.Sprintf("%.2f Gbps", bps/1_000_000_000)
	case bps >= 1_000_000:
		return fmt.Sprintf("%.2f Mbps", bps/1_000_000)
	case bps >= 1_000:
		return fmt.Sprintf("%.2f Kbps", bps/1_000)
	default:
		return fmt.Sprintf("%.0f bps", bps)
	}
}

// clientIP extracts the remote IP from the request, stripping the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
