package dialect

import (
	"strconv"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/schema"
)

func dollar(i int) string { return "$" + strconv.Itoa(i) }
func question(int) string { return "?" }
func atP(i int) string    { return "@p" + strconv.Itoa(i) }

// textTimeBind stores timestamps and dates as ISO-8601 text, for engines
// without native temporal storage.
func textTimeBind(v any, dt schema.DataType) any {
	switch t := v.(type) {
	case time.Time:
		if dt == schema.TypeDate {
			return t.UTC().Format(schema.DateLayout)
		}
		return t.UTC().Format(schema.TimestampLayout)
	case schema.Date:
		return t.String()
	}
	return v
}

var (
	Postgres = &Dialect{
		Name: "postgres", QuoteOpen: `"`, QuoteClose: `"`,
		Types: map[schema.DataType]string{
			schema.TypeBool: "BOOLEAN", schema.TypeBigInt: "BIGINT", schema.TypeDouble: "DOUBLE PRECISION",
			schema.TypeText: "TEXT", schema.TypeTimestamp: "TIMESTAMPTZ", schema.TypeDate: "DATE",
			schema.TypeJSON: "JSONB", schema.TypeBinary: "BYTEA",
		},
		Placeholder:      dollar,
		MaxParams:        65535,
		CreateSchema:     "CREATE SCHEMA IF NOT EXISTS {schema}",
		DropIfExists:     true,
		Truncate:         "TRUNCATE TABLE",
		Rename:           RenameAlter,
		Update:           UpdateFrom,
		AddColumn:        "ALTER TABLE %s ADD COLUMN %s %s",
		False:            "FALSE",
		TransactionalDDL: true,
	}

	Redshift = &Dialect{
		Name: "redshift", QuoteOpen: `"`, QuoteClose: `"`,
		Types: map[schema.DataType]string{
			schema.TypeBool: "BOOLEAN", schema.TypeBigInt: "BIGINT", schema.TypeDouble: "DOUBLE PRECISION",
			schema.TypeText: "VARCHAR(65535)", schema.TypeTimestamp: "TIMESTAMPTZ", schema.TypeDate: "DATE",
			schema.TypeJSON: "SUPER", schema.TypeBinary: "VARBYTE",
		},
		Placeholder:      dollar,
		MaxParams:        32767,
		CreateSchema:     "CREATE SCHEMA IF NOT EXISTS {schema}",
		DropIfExists:     true,
		Truncate:         "TRUNCATE TABLE",
		Rename:           RenameAlter,
		Update:           UpdateFrom,
		AddColumn:        "ALTER TABLE %s ADD COLUMN %s %s",
		False:            "FALSE",
		TransactionalDDL: true,
	}

	MySQL = &Dialect{
		Name: "mysql", QuoteOpen: "`", QuoteClose: "`",
		Types: map[schema.DataType]string{
			schema.TypeBool: "BOOLEAN", schema.TypeBigInt: "BIGINT", schema.TypeDouble: "DOUBLE",
			schema.TypeText: "LONGTEXT", schema.TypeTimestamp: "DATETIME(6)", schema.TypeDate: "DATE",
			schema.TypeJSON: "JSON", schema.TypeBinary: "LONGBLOB",
		},
		Placeholder:  question,
		MaxParams:    65535,
		CreateSchema: "CREATE DATABASE IF NOT EXISTS {schema}",
		DropIfExists: true,
		Truncate:     "TRUNCATE TABLE",
		Rename:       RenameTable,
		Update:       UpdateJoin,
		AddColumn:    "ALTER TABLE %s ADD COLUMN %s %s",
		False:        "FALSE",
	}

	MSSQL = &Dialect{
		Name: "mssql", QuoteOpen: "[", QuoteClose: "]",
		Types: map[schema.DataType]string{
			schema.TypeBool: "BIT", schema.TypeBigInt: "BIGINT", schema.TypeDouble: "FLOAT",
			schema.TypeText: "NVARCHAR(MAX)", schema.TypeTimestamp: "DATETIME2", schema.TypeDate: "DATE",
			schema.TypeJSON: "NVARCHAR(MAX)", schema.TypeBinary: "VARBINARY(MAX)",
		},
		Placeholder:      atP,
		MaxParams:        2000,
		CreateSchema:     "IF SCHEMA_ID(N'{raw}') IS NULL EXEC('CREATE SCHEMA {schema}')",
		Create:           CreateObjectID,
		DropIfExists:     true,
		Truncate:         "TRUNCATE TABLE",
		Rename:           RenameProcedure,
		Update:           UpdateFromJoin,
		AddColumn:        "ALTER TABLE %s ADD %s %s",
		False:            "0",
		TransactionalDDL: true,
	}

	SQLite = &Dialect{
		Name: "sqlite", QuoteOpen: `"`, QuoteClose: `"`,
		Types: map[schema.DataType]string{
			schema.TypeBool: "INTEGER", schema.TypeBigInt: "INTEGER", schema.TypeDouble: "REAL",
			schema.TypeText: "TEXT", schema.TypeTimestamp: "TEXT", schema.TypeDate: "TEXT",
			schema.TypeJSON: "TEXT", schema.TypeBinary: "BLOB",
		},
		Placeholder:      question,
		MaxParams:        32766,
		DropIfExists:     true,
		Truncate:         "DELETE FROM",
		Rename:           RenameAlter,
		Update:           UpdateFrom,
		AddColumn:        "ALTER TABLE %s ADD COLUMN %s %s",
		False:            "0",
		TransactionalDDL: true,
		BindValue:        textTimeBind,
	}

	DuckDB = &Dialect{
		Name: "duckdb", QuoteOpen: `"`, QuoteClose: `"`,
		Types: map[schema.DataType]string{
			schema.TypeBool: "BOOLEAN", schema.TypeBigInt: "BIGINT", schema.TypeDouble: "DOUBLE",
			schema.TypeText: "VARCHAR", schema.TypeTimestamp: "TIMESTAMPTZ", schema.TypeDate: "DATE",
			schema.TypeJSON: "JSON", schema.TypeBinary: "BLOB",
		},
		Placeholder:      question,
		MaxParams:        30000,
		CreateSchema:     "CREATE SCHEMA IF NOT EXISTS {schema}",
		DropIfExists:     true,
		Truncate:         "TRUNCATE TABLE",
		Rename:           RenameAlter,
		Update:           UpdateFrom,
		AddColumn:        "ALTER TABLE %s ADD COLUMN %s %s",
		False:            "FALSE",
		TransactionalDDL: true,
	}

	ClickHouse = &Dialect{
		Name: "clickhouse", QuoteOpen: "`", QuoteClose: "`",
		Types: map[schema.DataType]string{
			schema.TypeBool: "Bool", schema.TypeBigInt: "Int64", schema.TypeDouble: "Float64",
			schema.TypeText: "String", schema.TypeTimestamp: "DateTime64(6, 'UTC')", schema.TypeDate: "Date32",
			schema.TypeJSON: "String", schema.TypeBinary: "String",
		},
		NullableType:   "Nullable(%s)",
		TableSuffix:    " ENGINE = MergeTree ORDER BY tuple()",
		Placeholder:    question,
		MaxParams:      100000,
		CreateSchema:   "CREATE DATABASE IF NOT EXISTS {schema}",
		DropIfExists:   true,
		Truncate:       "TRUNCATE TABLE",
		Rename:         RenameTable,
		AddColumn:      "ALTER TABLE %s ADD COLUMN %s %s",
		False:          "false",
		TupleIn:        true,
		MutationUpdate: true,
		NoTransactions: true,
	}

	HANA = &Dialect{
		Name: "hana", QuoteOpen: `"`, QuoteClose: `"`,
		Types: map[schema.DataType]string{
			schema.TypeBool: "BOOLEAN", schema.TypeBigInt: "BIGINT", schema.TypeDouble: "DOUBLE",
			schema.TypeText: "NCLOB", schema.TypeTimestamp: "TIMESTAMP", schema.TypeDate: "DATE",
			schema.TypeJSON: "NCLOB", schema.TypeBinary: "BLOB",
		},
		Placeholder: question,
		MaxParams:   30000,
		Create:      CreateGuarded,
		Truncate:    "TRUNCATE TABLE",
		Rename:      RenameTableShort,
		AddColumn:   "ALTER TABLE %s ADD (%s %s)",
		False:       "FALSE",
	}

	Snowflake = &Dialect{
		Name: "snowflake", QuoteOpen: `"`, QuoteClose: `"`,
		Types: map[schema.DataType]string{
			schema.TypeBool: "BOOLEAN", schema.TypeBigInt: "NUMBER(19,0)", schema.TypeDouble: "FLOAT",
			schema.TypeText: "VARCHAR", schema.TypeTimestamp: "TIMESTAMP_TZ", schema.TypeDate: "DATE",
			schema.TypeJSON: "VARIANT", schema.TypeBinary: "BINARY",
		},
		Placeholder:  question,
		MaxParams:    16384,
		CreateSchema: "CREATE SCHEMA IF NOT EXISTS {schema}",
		DropIfExists: true,
		Truncate:     "TRUNCATE TABLE",
		Rename:       RenameAlterQualified,
		Update:       UpdateFrom,
		AddColumn:    "ALTER TABLE %s ADD COLUMN %s %s",
		False:        "FALSE",
	}

	BigQuery = &Dialect{
		Name: "bigquery", QuoteOpen: "`", QuoteClose: "`",
		Types: map[schema.DataType]string{
			schema.TypeBool: "BOOL", schema.TypeBigInt: "INT64", schema.TypeDouble: "FLOAT64",
			schema.TypeText: "STRING", schema.TypeTimestamp: "TIMESTAMP", schema.TypeDate: "DATE",
			schema.TypeJSON: "JSON", schema.TypeBinary: "BYTES",
		},
		Placeholder:  question,
		MaxParams:    10000,
		CreateSchema: "CREATE SCHEMA IF NOT EXISTS {schema}",
		DropIfExists: true,
		Truncate:     "TRUNCATE TABLE",
		Rename:       RenameAlter,
		Update:       UpdateFrom,
		AddColumn:      "ALTER TABLE %s ADD COLUMN %s %s",
		False:          "FALSE",
		NoTransactions: true,
	}
)

func init() {
	Register(Postgres, "postgres", "postgresql")
	Register(Redshift, "redshift")
	Register(MySQL, "mysql", "mariadb")
	Register(MSSQL, "mssql", "sqlserver")
	Register(SQLite, "sqlite")
	Register(DuckDB, "duckdb", "md", "motherduck")
	Register(ClickHouse, "clickhouse")
	Register(HANA, "hana")
	Register(Snowflake, "snowflake")
	Register(BigQuery, "bigquery")
}
