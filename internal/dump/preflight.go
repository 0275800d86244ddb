package dump

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq" // PostgreSQL driver
)

const preflightTimeout = 10 * time.Second

// DSN builds a database/sql data source name for engines that have a Go
// driver. MongoDB has none here and returns ok=false.
func DSN(kind Kind, c Connection) (driver, dsn string, ok bool) {
	switch kind {
	case PostgreSQL:
		u := &url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.User, c.Password),
			Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
			Path:   c.Database,
		}
		q := u.Query()
		q.Set("sslmode", "disable")
		q.Set("connect_timeout", strconv.Itoa(int(preflightTimeout.Seconds())))
		u.RawQuery = q.Encode()
		return "postgres", u.String(), true
	case MySQL:
		cfg := mysql.NewConfig()
		cfg.User = c.User
		cfg.Passwd = c.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
		cfg.DBName = c.Database
		cfg.Timeout = preflightTimeout
		return "mysql", cfg.FormatDSN(), true
	}
	return "", "", false
}

// Preflight opens a connection and pings the database so credential and
// network problems surface before a dump tool is spawned. Engines without a
// driver are skipped.
func Preflight(ctx context.Context, kind Kind, c Connection) error {
	driver, dsn, ok := DSN(kind, c)
	if !ok {
		return nil
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("opening %s connection: %w", kind, err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging %s at %s: %w", kind, net.JoinHostPort(c.Host, strconv.Itoa(c.Port)), err)
	}
	return nil
}
