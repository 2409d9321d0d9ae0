package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:   400,
		KindCapacity:     503,
		KindNotFound:     404,
		KindRoleMismatch: 409,
		KindStateError:   409,
		KindMediaWorker:  409,
		KindFatal:        500,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), "kind %s", kind)
	}
}

func TestWSCloseCodeMapping(t *testing.T) {
	assert.Equal(t, 1008, KindValidation.WSCloseCode())
	assert.Equal(t, 1008, KindNotFound.WSCloseCode())
	assert.Equal(t, 1011, KindMediaWorker.WSCloseCode())
	assert.Equal(t, 1011, KindFatal.WSCloseCode())
}

func TestAsExtractsWrappedError(t *testing.T) {
	base := New(KindCapacity, "room capacity reached")
	wrapped := fmt.Errorf("creating room: %w", base)

	ae, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindCapacity, ae.Kind)
}

func TestAsReturnsFalseForPlainError(t *testing.T) {
	_, ok := As(errors.New("boom"))
	assert.False(t, ok)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(KindMediaWorker, "connecting transport", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "socket closed")
}
