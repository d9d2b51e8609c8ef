package ferryerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	t.Parallel()

	base := errors.New("connection refused")
	err := fmt.Errorf("resource prices: %w", Phase(KindExtract, "sql", "prices", base))

	if got := KindOf(err); got != KindExtract {
		t.Fatalf("KindOf=%q; want %q", got, KindExtract)
	}
	if !errors.Is(err, base) {
		t.Fatalf("errors.Is lost the cause")
	}
	var fe *Error
	if !errors.As(err, &fe) || fe.Resource != "prices" || fe.Family != "sql" {
		t.Fatalf("unexpected *Error: %#v", fe)
	}
}

func TestPhaseNil(t *testing.T) {
	t.Parallel()
	if Phase(KindLoad, "sql", "x", nil) != nil {
		t.Fatal("Phase(nil) must be nil")
	}
}

func TestValidationEnvelope(t *testing.T) {
	t.Parallel()

	var ve ValidationError
	ve.Add("resources[0].source_table", "must not be empty")
	ve.Add("resources[0].source_table", "second")
	err := ve.Err()

	if HTTPStatus(err) != 422 {
		t.Fatalf("HTTPStatus=%d; want 422", HTTPStatus(err))
	}
	env := ErrorEnvelope("p", err)
	if env.Status != StatusError || len(env.Fields["resources[0].source_table"]) != 2 {
		t.Fatalf("envelope=%+v", env)
	}
}

func TestGenericEnvelopeHidesDetail(t *testing.T) {
	t.Parallel()

	err := Phase(KindLoad, "sql", "prices", errors.New("password=secret rejected"))
	env := ErrorEnvelope("p", err)
	if env.Message != GenericMessage {
		t.Fatalf("message=%q; want generic", env.Message)
	}
	if HTTPStatus(err) != 500 {
		t.Fatalf("HTTPStatus=%d; want 500", HTTPStatus(err))
	}
}

func TestEmptyValidationIsNil(t *testing.T) {
	t.Parallel()
	var ve ValidationError
	if ve.Err() != nil {
		t.Fatal("empty ValidationError must produce nil error")
	}
}
