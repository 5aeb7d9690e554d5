// Package wifi models the network link of the node: joining with stored credentials,
// reporting connectivity and whether the wall clock has been synced.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Credentials as received over the provisioning endpoints.
type Credentials struct {
	SSID       string
	Password   string
	Enterprise bool
	Identity   string
	Username   string
}

// Link is the network collaborator used by provisioning and upload.
type Link interface {
	Join(ctx context.Context, c Credentials) error
	Connected() bool
}

// Clock reports the current time and whether it can be trusted.
type Clock interface {
	Now() time.Time
	Synced() bool
}

const (
	joinAttempts = 20
	joinInterval = 500 * time.Millisecond
)

// syncedAfter: any time before this is an unset RTC.
var syncedAfter = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// SystemClock is the host clock. It counts as synced once it reads a plausible date.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
func (SystemClock) Synced() bool { return time.Now().After(syncedAfter) }

// HostLink treats "joined" as "the probe address is reachable". The node runs on hosts
// whose WLAN is managed by the OS, so Join only waits for connectivity.
type HostLink struct {
	ProbeAddr string // host:port dialed to test connectivity
	Interval  time.Duration
	Attempts  int
	Logger    *log.Logger

	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	mu        sync.Mutex
	connected bool
	ssid      string
}

func NewHostLink(probeAddr string, logger *log.Logger) *HostLink {
	if logger == nil {
		logger = log.Default()
	}
	d := &net.Dialer{Timeout: 2 * time.Second}
	return &HostLink{
		ProbeAddr: probeAddr,
		Interval:  joinInterval,
		Attempts:  joinAttempts,
		Logger:    logger,
		dial:      d.DialContext,
	}
}

// Join polls the probe until it answers or the attempt budget is spent.
func (l *HostLink) Join(ctx context.Context, c Credentials) error {
	if c.SSID == "" {
		return errors.New("wifi: empty ssid")
	}
	if l.ProbeAddr == "" {
		return errors.New("wifi: no probe address configured")
	}
	attempts := l.Attempts
	if attempts < 1 {
		attempts = 1
	}
	mode := "personal"
	if c.Enterprise {
		mode = "enterprise"
	}
	l.Logger.Printf("wifi: joining %q (%s)", c.SSID, mode)

	n := 0
	op := func() error {
		n++
		conn, err := l.dial(ctx, "tcp", l.ProbeAddr)
		if err != nil {
			return err
		}
		_ = conn.Close()
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(l.Interval), uint64(attempts-1)), ctx)
	err := backoff.Retry(op, b)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.connected = false
		return fmt.Errorf("wifi: %q unreachable after %d attempts: %w", c.SSID, n, err)
	}
	l.connected = true
	l.ssid = c.SSID
	l.Logger.Printf("wifi: connected to %q after %d attempts", c.SSID, n)
	return nil
}

// Connected reports the outcome of the last Join.
func (l *HostLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}
