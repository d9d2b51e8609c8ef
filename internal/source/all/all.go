// Package all registers every source adapter.
package all

import (
	_ "github.com/smalldata-ai/ferry-sub000/internal/source/filesrc"
	_ "github.com/smalldata-ai/ferry-sub000/internal/source/kafkasrc"
	_ "github.com/smalldata-ai/ferry-sub000/internal/source/mongosrc"
	_ "github.com/smalldata-ai/ferry-sub000/internal/source/sqlsrc"
)
