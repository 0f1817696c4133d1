package testutil

import (
	"testing"
	"time"

	"quark/config"
	"quark/internal/nvp"
	"quark/internal/nvp/memctl"

	"github.com/stretchr/testify/require"
)

// DefaultZone is the transport zone every test controller starts with.
const DefaultZone = "tz-default"

// Controller returns an in-process controller and a client wired to it.
func Controller(t *testing.T) (*memctl.Controller, *nvp.Client) {
	t.Helper()
	ctl := memctl.New()
	ctl.AddTransportZone(DefaultZone, "default")
	client, err := nvp.NewClient(
		[]config.Connection{{Host: "memctl", Port: "80", HTTPTimeout: 5 * time.Second}},
		nvp.WithTransport(ctl.Transport()),
		nvp.WithRetryDelay(time.Millisecond),
	)
	require.NoError(t, err)
	return ctl, client
}
