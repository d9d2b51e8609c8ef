package ferryerr

import "errors"

// Status values of the response envelope.
const (
	StatusSuccess    = "success"
	StatusProcessing = "processing"
	StatusError      = "error"
)

// GenericMessage is the user-visible message for engine failures. Detail
// stays in the trace and the logs.
const GenericMessage = "ingestion failed"

// Envelope is the stable response shape handed to gateways.
type Envelope struct {
	Status            string              `json:"status"`
	Message           string              `json:"message"`
	PipelineName      string              `json:"pipeline_name,omitempty"`
	SchemaVersionHash string              `json:"schema_version_hash,omitempty"`
	Fields            map[string][]string `json:"fields,omitempty"`
}

// ErrorEnvelope renders err for a caller. Validation and dispatch errors are
// surfaced verbatim; everything else gets GenericMessage.
func ErrorEnvelope(pipeline string, err error) Envelope {
	env := Envelope{Status: StatusError, Message: GenericMessage, PipelineName: pipeline}
	var ve *ValidationError
	if errors.As(err, &ve) {
		env.Message = ve.Error()
		env.Fields = ve.Fields
		return env
	}
	switch KindOf(err) {
	case KindInvalidSource, KindInvalidDestination, KindCursorConflict, KindNotFound:
		env.Message = err.Error()
	}
	return env
}

// HTTPStatus maps err to the status code a gateway should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		if err == nil {
			return 200
		}
		return 500
	case KindValidation, KindInvalidSource, KindInvalidDestination:
		return 422
	case KindNotFound:
		return 404
	case KindCursorConflict:
		return 409
	case KindUnauthenticated:
		return 401
	case KindUnauthorized:
		return 403
	default:
		return 500
	}
}
