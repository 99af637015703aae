package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fieldloop/lorad/pkg/route"
	"github.com/fieldloop/lorad/pkg/signer"
	"github.com/fieldloop/lorad/pkg/types"
)

// AuthorityClient queries the routing authority over a dedicated lookup
// connection. The connection is dialed lazily, reused across lookups and
// redialed after transport errors. Implements route.Authority.
type AuthorityClient struct {
	log       *zap.SugaredLogger
	transport Transport
	signer    signer.Signer
	endpoint  types.KeyedEndpoint
	// onFault escalates an unusable signing key toward the process;
	// lookups cannot be authenticated without it.
	onFault func(error)

	mu     sync.Mutex
	conn   Conn
	closed bool
}

func NewAuthorityClient(transport Transport, sign signer.Signer, ep types.KeyedEndpoint, onFault func(error)) *AuthorityClient {
	return &AuthorityClient{
		log:       zap.S().Named("authority"),
		transport: transport,
		signer:    sign,
		endpoint:  ep,
		onFault:   onFault,
	}
}

func (c *AuthorityClient) LookupRoute(ctx context.Context, key types.RoutingKey) (*types.Route, error) {
	conn, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}

	r, err := conn.LookupRoute(ctx, key)
	if err != nil && !errors.Is(err, route.ErrNoRoute) {
		// Stream state is unknown after a failed exchange.
		c.drop(conn)
	}
	return r, err
}

func (c *AuthorityClient) ensure(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrShuttingDown
	}
	if c.conn != nil {
		return c.conn, nil
	}

	assertion, err := newAssertion(c.signer)
	if err != nil {
		if errors.Is(err, signer.ErrKeyUnusable) {
			// No amount of redialling fixes a dead key; stop lookups and
			// surface the condition to the process.
			c.closed = true
			if c.onFault != nil {
				c.onFault(err)
			}
		}
		return nil, err
	}

	conn, err := c.transport.Dial(ctx, c.endpoint)
	if err != nil {
		return nil, err
	}
	if err := conn.Handshake(ctx, assertion); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.log.Debugw("authority connected", "addr", c.endpoint.Addr)
	c.conn = conn
	return conn, nil
}

func (c *AuthorityClient) drop(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *AuthorityClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
