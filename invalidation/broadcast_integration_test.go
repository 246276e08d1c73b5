//go:build integration

package invalidation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRabbitMQContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-management-alpine",
		ExposedPorts: []string{"5672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "guest",
			"RABBITMQ_DEFAULT_PASS": "guest",
		},
		WaitingFor: wait.ForLog("Server startup complete").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	time.Sleep(2 * time.Second)

	return url, func() { container.Terminate(ctx) }
}

func TestBroadcaster_Integration_CrossNodeInvalidation(t *testing.T) {
	url, cleanup := setupRabbitMQContainer(t)
	defer cleanup()

	nodeA, err := NewBroadcaster(Config{URL: url, ExchangeName: "it.invalidation", NodeID: "node-a"}, nil)
	require.NoError(t, err)
	defer nodeA.Close()

	nodeB, err := NewBroadcaster(Config{URL: url, ExchangeName: "it.invalidation", NodeID: "node-b"}, nil)
	require.NoError(t, err)
	defer nodeB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Notice, 1)
	go nodeB.Subscribe(ctx, func(n Notice) { received <- n })
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, nodeA.Publish("uuid-42"))

	select {
	case n := <-received:
		require.Equal(t, "uuid-42", n.UUID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cross-node notice")
	}
}
