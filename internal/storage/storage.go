// Package storage opens database/sql connections for the SQL sources and
// destinations and bulk-writes rows in batches.
//
// Drivers are registered by blank import here so every adapter built on
// database/sql shares one scheme-to-driver mapping:
//
//	postgres, postgresql  pgx (stdlib)
//	redshift              lib/pq
//	mysql, mariadb        go-sql-driver/mysql
//	mssql                 go-mssqldb
//	clickhouse            clickhouse-go
//	hana                  go-hdb
//	sqlite                modernc.org/sqlite
//	duckdb, md            duckdb-go
//	snowflake             gosnowflake
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/SAP/go-hdb/driver"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/microsoft/go-mssqldb/msdsn"
	"github.com/snowflakedb/gosnowflake"
	_ "modernc.org/sqlite"

	"github.com/smalldata-ai/ferry-sub000/internal/dialect"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

// pingTimeout bounds the connectivity check of Open.
const pingTimeout = 15 * time.Second

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is an open connection pool plus the dialect of its engine.
type DB struct {
	*sql.DB
	Dialect *dialect.Dialect
	Scheme  string
}

// Open connects to the database named by d and pings it.
func Open(ctx context.Context, d uri.Descriptor) (*DB, error) {
	dl, ok := dialect.Lookup(d.Scheme)
	if !ok {
		return nil, fmt.Errorf("no SQL dialect for scheme %q", d.Scheme)
	}
	driver, dsn, err := DSN(d)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open %s: %w", d.Scheme, err)
	}
	if d.Scheme == "sqlite" {
		// One writer; transactions and guard queries share the connection.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Redacted(), err)
	}
	return &DB{DB: db, Dialect: dl, Scheme: d.Scheme}, nil
}

// DSN returns the database/sql driver name and data source name for d.
func DSN(d uri.Descriptor) (driver, dsn string, err error) {
	switch d.Scheme {
	case "postgres", "postgresql":
		return "pgx", pgURL(d, "prefer"), nil

	case "redshift":
		return "postgres", pgURL(d, "require"), nil

	case "mysql", "mariadb":
		c := mysql.NewConfig()
		c.User, c.Passwd = d.User, d.Password
		c.Net = "tcp"
		c.Addr = hostPort(d)
		c.DBName = d.Database
		c.ParseTime = true
		c.Loc = time.UTC
		return "mysql", c.FormatDSN(), nil

	case "mssql":
		u := url.URL{Scheme: "sqlserver", User: userinfo(d), Host: hostPort(d)}
		q := url.Values{}
		q.Set("database", d.Database)
		if enc := d.Param("encrypt", ""); enc != "" {
			q.Set("encrypt", enc)
		}
		u.RawQuery = q.Encode()
		dsn := u.String()
		// Validate early to fail fast on obvious mistakes.
		if _, err := msdsn.Parse(dsn); err != nil {
			return "", "", fmt.Errorf("mssql dsn: %w", err)
		}
		return "sqlserver", dsn, nil

	case "clickhouse":
		u := url.URL{Scheme: "clickhouse", User: userinfo(d), Host: hostPort(d), Path: "/" + d.Database}
		q := url.Values{}
		q.Set("mutations_sync", "2")
		u.RawQuery = q.Encode()
		return "clickhouse", u.String(), nil

	case "hana":
		u := url.URL{Scheme: "hdb", User: userinfo(d), Host: hostPort(d)}
		q := url.Values{}
		q.Set("databaseName", d.Database)
		u.RawQuery = q.Encode()
		return "hdb", u.String(), nil

	case "sqlite":
		return "sqlite", "file:" + d.Path + "?_pragma=busy_timeout(5000)", nil

	case "duckdb":
		return "duckdb", d.Path, nil

	case "md":
		q := url.Values{}
		q.Set("motherduck_token", d.Param("token", ""))
		return "duckdb", "md:" + d.Database + "?" + q.Encode(), nil

	case "snowflake":
		dsn, err := gosnowflake.DSN(&gosnowflake.Config{
			Account:   d.Host,
			User:      d.User,
			Password:  d.Password,
			Database:  d.Database,
			Schema:    d.Path,
			Warehouse: d.Param("warehouse", ""),
			Role:      d.Param("role", ""),
		})
		if err != nil {
			return "", "", fmt.Errorf("snowflake dsn: %w", err)
		}
		return "snowflake", dsn, nil
	}
	return "", "", fmt.Errorf("scheme %q has no SQL driver", d.Scheme)
}

func pgURL(d uri.Descriptor, sslmode string) string {
	u := url.URL{Scheme: "postgres", User: userinfo(d), Host: hostPort(d), Path: "/" + d.Database}
	q := url.Values{}
	q.Set("sslmode", d.Param("sslmode", sslmode))
	u.RawQuery = q.Encode()
	return u.String()
}

func userinfo(d uri.Descriptor) *url.Userinfo {
	if d.Password == "" {
		return url.User(d.User)
	}
	return url.UserPassword(d.User, d.Password)
}

func hostPort(d uri.Descriptor) string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}
