// Package dump drives the native database dump and restore tools as byte
// streams.
package dump

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dsync/internal/common"
	"dsync/internal/envelope"
)

// Kind tags a database engine.
type Kind string

const (
	PostgreSQL Kind = "postgresql"
	MySQL      Kind = "mysql"
	MongoDB    Kind = "mongodb"
)

// Connection holds what the dump tools need to reach a database.
type Connection struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
	Database string `yaml:"name" json:"name"`
}

// Validate reports the first missing field.
func (c Connection) Validate() error {
	switch {
	case c.Host == "":
		return common.MissingConfig("database.host")
	case c.Port <= 0:
		return common.MissingConfig("database.port")
	case c.User == "":
		return common.MissingConfig("database.user")
	case c.Database == "":
		return common.MissingConfig("database.name")
	}
	return nil
}

// Command is a process invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
}

func (c Command) String() string {
	return c.Path + " " + strings.Join(redactArgs(c.Args), " ")
}

func redactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "--password=") {
			a = "--password=***"
		}
		out[i] = a
	}
	return out
}

// Backend maps a connection to the dump and restore commands of one engine.
type Backend struct {
	Kind        Kind
	Extension   string
	DumpCommand func(Connection) Command
	LoadCommand func(Connection) Command
}

var backends = map[Kind]Backend{
	PostgreSQL: {
		Kind:      PostgreSQL,
		Extension: ".sql",
		DumpCommand: func(c Connection) Command {
			return Command{
				Path: "pg_dump",
				Args: []string{"-h", c.Host, "-p", strconv.Itoa(c.Port), "-U", c.User, "-d", c.Database, "-C"},
				Env:  append(os.Environ(), "PGPASSWORD="+c.Password),
			}
		},
		LoadCommand: func(c Connection) Command {
			return Command{
				Path: "psql",
				Args: []string{"-h", c.Host, "-p", strconv.Itoa(c.Port), "-U", c.User, "-f", "-"},
				Env:  append(os.Environ(), "PGPASSWORD="+c.Password),
			}
		},
	},
	MySQL: {
		Kind:      MySQL,
		Extension: ".sql",
		DumpCommand: func(c Connection) Command {
			return Command{
				Path: "mysqldump",
				Args: append(mysqlArgs(c), "--databases", c.Database),
			}
		},
		LoadCommand: func(c Connection) Command {
			return Command{Path: "mysql", Args: mysqlArgs(c)}
		},
	},
	MongoDB: {
		Kind:      MongoDB,
		Extension: ".archive",
		DumpCommand: func(c Connection) Command {
			return Command{Path: "mongodump", Args: mongoArgs(c)}
		},
		LoadCommand: func(c Connection) Command {
			return Command{Path: "mongorestore", Args: mongoArgs(c)}
		},
	},
}

func mysqlArgs(c Connection) []string {
	return []string{
		"--host=" + c.Host,
		"--port=" + strconv.Itoa(c.Port),
		"--user=" + c.User,
		"--password=" + c.Password,
	}
}

func mongoArgs(c Connection) []string {
	return []string{
		"--host=" + c.Host,
		"--port=" + strconv.Itoa(c.Port),
		"--username=" + c.User,
		"--password=" + c.Password,
		"--db=" + c.Database,
		"--authenticationDatabase=admin",
		"--archive",
	}
}

// Lookup returns the backend for kind.
func Lookup(kind Kind) (Backend, error) {
	b, ok := backends[Kind(strings.ToLower(string(kind)))]
	if !ok {
		return Backend{}, &common.ConfigurationError{
			Field:  "database.type",
			Reason: fmt.Sprintf("unsupported database type %q", kind),
		}
	}
	return b, nil
}

// Kinds lists the supported engines.
func Kinds() []Kind {
	return []Kind{PostgreSQL, MySQL, MongoDB}
}

// FileExtension picks the backup file extension. Encryption wins over
// compression, which wins over the engine's native extension.
func (b Backend) FileExtension(compress, encrypt bool) string {
	switch {
	case encrypt:
		return envelope.EncryptedExt
	case compress:
		return envelope.CompressedExt
	}
	return b.Extension
}

// FileName names a backup taken at t.
func (b Backend) FileName(database string, compress, encrypt bool, t time.Time) string {
	return fmt.Sprintf("%s-%d%s", database, t.Unix(), b.FileExtension(compress, encrypt))
}

// RestoredName is the plain file a backup restores to when not loaded into
// a database: the base name up to the first dot, plus ".sql".
func RestoredName(backupPath string) string {
	base := filepath.Base(backupPath)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base + ".sql"
}
