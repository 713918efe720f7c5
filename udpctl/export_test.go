package udpctl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aptpod/msocket-go/wire"
)

func SendRaw(t *testing.T, c *Controller, m *wire.ControlMessage) {
	t.Helper()
	require.NoError(t, c.write(m.ConnID, m))
}
