package database

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/keithlinneman/apiserver/internal/log"
	"github.com/keithlinneman/apiserver/internal/xerrors"
)

// PasswordPlaceholder is replaced by the database password in the DATABASE
// connection string template.
const PasswordPlaceholder = "<PASSWORD>"

// DefaultConnectTimeout bounds the initial connect and ping.
const DefaultConnectTimeout = 10 * time.Second

// BuildURI substitutes the first PasswordPlaceholder in template with the
// escaped password. A template without the placeholder is returned as is.
func BuildURI(template, password string) (string, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return "", xerrors.New("database connection string is empty")
	}
	if !strings.Contains(template, PasswordPlaceholder) {
		return template, nil
	}
	if password == "" {
		return "", xerrors.Newf("database connection string contains %s but no password is set", PasswordPlaceholder)
	}
	// userinfo is path-unescaped by the driver, so "+" must not stand in for space
	esc := strings.ReplaceAll(url.QueryEscape(password), "+", "%20")
	return strings.Replace(template, PasswordPlaceholder, esc, 1), nil
}

// RedactURI hides the password of a connection string for logging.
func RedactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		if strings.Contains(uri, "@") {
			return "<unparseable connection string>"
		}
		return uri
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

type Options struct {
	URI     string
	Timeout time.Duration
	AppName string
	Logger  log.Logger
	// OnStateChange is called with true after a successful connect and false
	// after Close, e.g. to drive a gauge.
	OnStateChange func(connected bool)
}

// Client is the single shared connection. It is safe for concurrent use.
type Client struct {
	client    *mongo.Client
	L         log.Logger
	onState   func(bool)
	connected atomic.Bool
}

// Connect opens the connection and verifies it with a ping against the
// primary. Failure is returned to the caller, which treats it as fatal.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	co := options.Client().
		ApplyURI(opts.URI).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)
	if opts.AppName != "" {
		co.SetAppName(opts.AppName)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	L.Info(ctx, "connecting to database", "uri", RedactURI(opts.URI), "timeout", timeout.String())
	mc, err := mongo.Connect(cctx, co)
	if err != nil {
		return nil, xerrors.Wrap(err, "database connect")
	}
	if err := mc.Ping(cctx, readpref.Primary()); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, xerrors.Wrap(err, "database ping")
	}

	c := &Client{client: mc, L: L, onState: opts.OnStateChange}
	c.setConnected(true)
	L.Info(ctx, "database connection successful")
	return c, nil
}

func (c *Client) setConnected(v bool) {
	c.connected.Store(v)
	if c.onState != nil {
		c.onState(v)
	}
}

// Ping checks the primary is reachable. It satisfies health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil || !c.connected.Load() {
		return xerrors.New("not connected")
	}
	return c.client.Ping(ctx, readpref.Primary())
}

// Mongo exposes the driver client to route handlers.
func (c *Client) Mongo() *mongo.Client { return c.client }

// Database returns a handle to the named database.
func (c *Client) Database(name string) *mongo.Database { return c.client.Database(name) }

// Close disconnects. Calling it more than once is safe.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.client == nil || !c.connected.CompareAndSwap(true, false) {
		return nil
	}
	if c.onState != nil {
		c.onState(false)
	}
	c.L.Info(ctx, "closing database connection")
	return xerrors.Wrap(c.client.Disconnect(ctx), "database disconnect")
}
