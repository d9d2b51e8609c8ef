// Package all registers every destination adapter.
package all

import (
	_ "github.com/smalldata-ai/ferry-sub000/internal/destination/bigquery"
	_ "github.com/smalldata-ai/ferry-sub000/internal/destination/filesystem"
	_ "github.com/smalldata-ai/ferry-sub000/internal/destination/postgres"
	_ "github.com/smalldata-ai/ferry-sub000/internal/destination/sqldest"
)
