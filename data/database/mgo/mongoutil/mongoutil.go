// Package mongoutil opens the Mongo database the chat store lives in.
package mongoutil

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatnow/tools/errs"
)

// Config is the mongo section of the node config. Uri wins over Address.
type Config struct {
	Uri         string   `yaml:"uri"`
	Address     []string `yaml:"address"`
	Database    string   `yaml:"database"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	AuthSource  string   `yaml:"auth_source"`
	MaxPoolSize int      `yaml:"max_pool_size"`
	MaxRetry    int      `yaml:"max_retry"`
}

// Check fills defaults and rejects a config that names no server.
func (c *Config) Check() error {
	if c.Uri == "" && len(c.Address) == 0 {
		return errs.ErrInvalidArgument.WrapMsg("mongo needs uri or address")
	}
	if c.Database == "" {
		return errs.ErrInvalidArgument.WrapMsg("mongo needs a database")
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 100
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	if c.AuthSource == "" {
		c.AuthSource = c.Database
	}
	return nil
}

// URI is the connection string for Address based configs.
func (c *Config) URI() string {
	if c.Uri != "" {
		return c.Uri
	}
	u := url.URL{Scheme: "mongodb", Host: strings.Join(c.Address, ","), Path: "/" + c.Database}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	q := url.Values{}
	q.Set("authSource", c.AuthSource)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Config) clientOptions() *options.ClientOptions {
	opts := options.Client().
		ApplyURI(c.URI()).
		SetMaxPoolSize(uint64(c.MaxPoolSize)).
		SetServerSelectionTimeout(5 * time.Second).
		SetAppName("chatnow")
	// explicit credentials win over the ones embedded in the uri
	if c.Username != "" {
		opts.SetAuth(options.Credential{Username: c.Username, Password: c.Password, AuthSource: c.AuthSource})
	}
	return opts
}

type Client struct {
	db *mongo.Database
}

func (c *Client) GetDB() *mongo.Database { return c.db }

func (c *Client) Disconnect(ctx context.Context) error {
	return c.db.Client().Disconnect(ctx)
}

// NewMongoDB connects and pings, retrying transient failures up to MaxRetry times.
func NewMongoDB(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	opts := cfg.clientOptions()
	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < cfg.MaxRetry; i++ {
		if cli, err = connect(ctx, opts); err == nil || !retryable(ctx, err) {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(i+1) * 500 * time.Millisecond):
		}
	}
	if err != nil {
		return nil, errs.ErrUpstreamUnavailable.WrapMsg("connect mongo", "database", cfg.Database, "err", err)
	}
	return &Client{db: cli.Database(cfg.Database)}, nil
}

func connect(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}

// retryable is false once ctx is done and for auth failures
// (13 Unauthorized, 18 AuthenticationFailed).
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var cmd mongo.CommandError
	if errors.As(err, &cmd) {
		return cmd.Code != 13 && cmd.Code != 18
	}
	return true
}
