package errdefs

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := errors.Wrap(AddressGenerationFailure("net-1"), "allocate port ip")
	assert.True(t, IsAddressGenerationFailure(err))
	assert.False(t, IsMacAddressGenerationFailure(err))
	assert.Equal(t, KindAddressGenerationFailure, KindOf(err))
	assert.Contains(t, err.Error(), "net-1")
}

func TestUnreachableKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Unreachable(cause, "https://10.0.0.1:443")
	assert.True(t, IsUnreachable(err))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(err))
}

func TestInternalKinds(t *testing.T) {
	assert.True(t, IsInternal(BadNVPState("n")))
	assert.True(t, IsInternal(Ambiguous("two ports")))
	assert.True(t, IsInternal(MirrorInconsistent(errors.New("disk"), "switch s1")))
	assert.False(t, IsInternal(DriverLimitReached("rules per group")))
	assert.False(t, IsInternal(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("mac %d", 1)))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(SegmentIDRequired("vlan")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(InUse("range r1")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
	assert.Equal(t, "SegmentIdRequired", KindSegmentIDRequired.String())
}
