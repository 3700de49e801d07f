package udx

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeSuccess, CodeOf(nil))
	assert.Equal(t, CodeNoServer, CodeOf(ErrNoServer))
	assert.Equal(t, CodeConnectionRejected, CodeOf(ErrConnectionRejected))
	assert.Equal(t, CodeConnectInProgress, CodeOf(ErrConnectInProgress))
	assert.Equal(t, CodeSocketClosed, CodeOf(ErrSocketClosed))
	assert.Equal(t, CodeInvalidAddress, CodeOf(ErrInvalidAddress))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("something else")))
}

func TestCodeOfUnwrapsAnnotations(t *testing.T) {
	err := errors.Annotate(ErrNoServer, "connect")
	err = errors.Trace(err)

	assert.Equal(t, CodeNoServer, CodeOf(err))
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "success", CodeSuccess.String())
	assert.Equal(t, "no_server", CodeNoServer.String())
	assert.Equal(t, "unknown", ErrorCode(42).String())
}
