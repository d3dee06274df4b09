package serv

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// initDBs opens a pool for every configured connection. Pools open
// lazily; a ping with retries proves the server is reachable before the
// metadata build runs against it.
func (s *Service) initDBs(ctx context.Context) error {
	s.pools = make(map[string]*pgxpool.Pool, len(s.conf.Connections))

	for name, dc := range s.conf.Connections {
		pool, err := s.newPool(ctx, name, dc)
		if err != nil {
			s.closePools()
			return errors.Wrapf(err, "connection %q", name)
		}
		s.pools[name] = pool
	}
	return nil
}

func (s *Service) newPool(ctx context.Context, name string, dc Database) (*pgxpool.Pool, error) {
	cs := dc.ConnString
	if cs == "" {
		cs = connString(dc)
	}

	pc, err := pgxpool.ParseConfig(cs)
	if err != nil {
		return nil, err
	}

	if dc.PoolSize > 0 {
		pc.MaxConns = int32(dc.PoolSize)
	}
	if dc.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = dc.MaxConnIdleTime
	}
	if dc.MaxConnLifeTime > 0 {
		pc.MaxConnLifetime = dc.MaxConnLifeTime
	}
	if sp := s.conf.Core.SchemaSearchPath; sp != "" {
		pc.ConnConfig.RuntimeParams["search_path"] = sp
	} else if dc.Schema != "" {
		pc.ConnConfig.RuntimeParams["search_path"] = dc.Schema
	}

	// route raised notices into the gateway's event streams; the router
	// exists only after the metadata build, hence the indirection
	pc.ConnConfig.OnNotice = func(c *pgconn.PgConn, n *pgconn.Notice) {
		s.dispatchNotice(c.PID(), n.Severity, n.Message)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	if err := s.pingWithRetry(ctx, name, pool, dc); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (s *Service) dispatchNotice(pid uint32, severity, message string) {
	if s.gateway == nil {
		return
	}
	if nr := s.gateway.Notices(); nr != nil {
		nr.Dispatch(pid, severity, message)
	}
}

func (s *Service) pingWithRetry(ctx context.Context, name string, pool *pgxpool.Pool, dc Database) error {
	cr := s.conf.Core.ConnectionRetry
	attempts := cr.Attempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := cr.Delay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	return retry.Do(
		func() error {
			pctx := ctx
			if dc.PingTimeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(ctx, dc.PingTimeout)
				defer cancel()
			}
			return pool.Ping(pctx)
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if s.log != nil {
				s.log.Warnf("waiting for database %q (attempt %d): %s", name, n+1, err)
			}
		}),
	)
}

// connString assembles a URL from the discrete connection fields.
func connString(dc Database) string {
	host := dc.Host
	if host == "" {
		host = "localhost"
	}
	port := dc.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + dc.DBName,
	}
	if dc.User != "" {
		if dc.Password != "" {
			u.User = url.UserPassword(dc.User, dc.Password)
		} else {
			u.User = url.User(dc.User)
		}
	}
	return u.String()
}
