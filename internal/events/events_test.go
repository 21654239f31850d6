package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishIsNoOpWithoutConnection(t *testing.T) {
	p := NewPublisher(nil, "daginferd.dag.completed")
	err := p.Publish(context.Background(), DagCompleted{RunID: "r1", Status: "ok"})
	require.NoError(t, err)
}

func TestConnectWithEmptyURLReturnsNilConn(t *testing.T) {
	nc, err := Connect("")
	require.NoError(t, err)
	require.Nil(t, nc)
}
