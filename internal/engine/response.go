package engine

import (
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/trace"
)

// Response renders the outcome of Run for a caller.
func Response(identity string, t *trace.Trace, err error) ferryerr.Envelope {
	hash := ""
	if t != nil {
		identity = t.Identity
		hash = t.SchemaVersionHash
	}
	if err != nil {
		env := ferryerr.ErrorEnvelope(identity, err)
		env.SchemaVersionHash = hash
		return env
	}
	env := ferryerr.Envelope{
		Status:            ferryerr.StatusSuccess,
		Message:           "data ingestion completed",
		PipelineName:      identity,
		SchemaVersionHash: hash,
	}
	if t != nil && !t.Status.Terminal() {
		env.Status = ferryerr.StatusProcessing
		env.Message = "data ingestion in progress"
	}
	return env
}
