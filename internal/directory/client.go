package directory

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"onionsocks/internal/domain"
	"onionsocks/internal/onion"
	"onionsocks/internal/reactor"
)

const (
	DefaultTimeout = 10 * time.Second
	maxResponse    = 1 << 20
	userAgent      = "onionsocks"
)

var (
	ErrStatus   = errors.New("unexpected registry status")
	ErrTimeout  = errors.New("registry did not answer in time")
	ErrTooLarge = errors.New("registry response too large")
)

// Client talks HTTP/1.1 to the registry over reactor connections, one
// connection per request. Callbacks run on the reactor goroutine.
type Client struct {
	r        *reactor.Reactor
	registry netip.AddrPort
	timeout  time.Duration
	log      *slog.Logger

	pending    map[reactor.ID]*exchange
	refreshing bool
}

func NewClient(r *reactor.Reactor, registry netip.AddrPort, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		r:        r,
		registry: registry,
		timeout:  timeout,
		log:      log,
		pending:  make(map[reactor.ID]*exchange),
	}
	r.Every(time.Second, func() { c.sweep(time.Now()) })
	return c
}

type exchange struct {
	client  *Client
	req     *http.Request
	started time.Time
	buf     []byte
	done    func(status int, body []byte, err error)
}

func (e *exchange) Connected(*reactor.Conn, error) error { return nil }

func (e *exchange) Received(c *reactor.Conn) error {
	e.buf = append(e.buf, c.Take()...)
	if len(e.buf) > maxResponse {
		return domain.DirectoryError("registry exchange", ErrTooLarge)
	}
	return nil
}

// Closed parses the response: requests are sent with Connection: close, so
// the registry marks the end of the response by closing.
func (e *exchange) Closed(c *reactor.Conn, cause error) {
	delete(e.client.pending, c.ID())
	if cause != nil && !errors.Is(cause, io.EOF) {
		if domain.KindOf(cause) != domain.KindDirectory {
			cause = domain.DirectoryError("registry exchange", cause)
		}
		e.done(0, nil, cause)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(e.buf)), e.req)
	if err != nil {
		e.done(0, nil, domain.DirectoryError("read registry response", err))
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.done(0, nil, domain.DirectoryError("read registry response", err))
		return
	}
	e.done(resp.StatusCode, body, nil)
}

func (c *Client) get(path string, query url.Values, done func(status int, body []byte, err error)) {
	u := url.URL{Scheme: "http", Host: c.registry.String(), Path: path, RawQuery: query.Encode()}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		done(0, nil, domain.DirectoryError("build request", err))
		return
	}
	req.Close = true
	req.Header.Set("User-Agent", userAgent)

	var raw bytes.Buffer
	if err := req.Write(&raw); err != nil {
		done(0, nil, domain.DirectoryError("build request", err))
		return
	}

	ex := &exchange{client: c, req: req, started: time.Now(), done: done}
	conn, err := c.r.Dial(c.registry, "registry", ex)
	if err != nil {
		done(0, nil, domain.DirectoryError("dial registry", err))
		return
	}
	conn.Send(raw.Bytes())
	c.pending[conn.ID()] = ex
}

func (c *Client) sweep(now time.Time) {
	for id, ex := range c.pending {
		if now.Sub(ex.started) < c.timeout {
			continue
		}
		if conn := c.r.Lookup(id); conn != nil {
			conn.Close(domain.DirectoryError("registry exchange", ErrTimeout))
		} else {
			delete(c.pending, id)
		}
	}
}

// Pending is the number of unanswered requests.
func (c *Client) Pending() int {
	return len(c.pending)
}

// FetchNodes requests the current listing.
func (c *Client) FetchNodes(done func([]domain.Node, error)) {
	c.get("/nodes", nil, func(status int, body []byte, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		if status != http.StatusOK {
			done(nil, domain.DirectoryError("fetch nodes", fmt.Errorf("%w: %d", ErrStatus, status)))
			return
		}
		nodes, skipped, err := ParseNodes(body)
		if err != nil {
			done(nil, err)
			return
		}
		if skipped > 0 {
			c.log.Warn("Skipped invalid registry entries", "skipped", skipped)
		}
		done(nodes, nil)
	})
}

// Register announces self. Key material is the node's public key only.
func (c *Client) Register(self domain.Node, done func(error)) {
	q := url.Values{}
	q.Set("name", self.Name)
	q.Set("address", self.Addr.Addr().String())
	q.Set("port", strconv.Itoa(int(self.Addr.Port())))
	q.Set("key", onion.EncodePublicKey(self.PublicKey))
	c.get("/register", q, statusOnly("register", done))
}

func (c *Client) Unregister(self domain.Node, done func(error)) {
	q := url.Values{}
	q.Set("name", self.Name)
	q.Set("address", self.Addr.Addr().String())
	q.Set("port", strconv.Itoa(int(self.Addr.Port())))
	c.get("/unregister", q, statusOnly("unregister", done))
}

func statusOnly(op string, done func(error)) func(int, []byte, error) {
	return func(status int, _ []byte, err error) {
		if err == nil && (status < 200 || status >= 400) {
			err = domain.DirectoryError(op, fmt.Errorf("%w: %d", ErrStatus, status))
		}
		done(err)
	}
}

// Refresh replaces cache with a fresh listing. On failure the stale
// snapshot stays in place. Overlapping refreshes are dropped.
func (c *Client) Refresh(cache *Cache) {
	if c.refreshing {
		return
	}
	c.refreshing = true
	c.FetchNodes(func(nodes []domain.Node, err error) {
		c.refreshing = false
		if err != nil {
			c.log.Warn("Registry refresh failed, keeping cached nodes",
				"error", err, "cached", cache.Len())
			return
		}
		cache.Replace(nodes)
		c.log.Debug("Registry refreshed", "nodes", len(nodes))
	})
}

// KeepFresh refreshes cache now and then every interval.
func (c *Client) KeepFresh(cache *Cache, every time.Duration) {
	c.Refresh(cache)
	c.r.Every(every, func() { c.Refresh(cache) })
}
