package gatewayerr

import (
	"fmt"
	"net/http"
	"testing"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", ErrAuthMissing), http.StatusUnauthorized},
		{fmt.Errorf("wrap: %w", ErrAuthInvalid), http.StatusUnauthorized},
		{fmt.Errorf("wrap: %w", ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("wrap: %w", ErrUpstream), http.StatusBadGateway},
		{fmt.Errorf("wrap: %w", ErrUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := StatusFor(c.err); got != c.want {
			t.Errorf("StatusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestWSCloseFor(t *testing.T) {
	code, _ := WSCloseFor(ErrAuthInvalid)
	if code != 1008 {
		t.Errorf("auth invalid close code = %d, want 1008", code)
	}
	code, _ = WSCloseFor(ErrValidation)
	if code != 1003 {
		t.Errorf("validation close code = %d, want 1003", code)
	}
	code, _ = WSCloseFor(fmt.Errorf("boom"))
	if code != 1011 {
		t.Errorf("default close code = %d, want 1011", code)
	}
}
