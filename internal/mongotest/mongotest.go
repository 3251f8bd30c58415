// Package mongotest provides the MongoDB container harness used by
// integration tests.
package mongotest

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// StartMongo runs a throwaway MongoDB container and returns a database
// handle. The container and client are torn down with the test.
func StartMongo(ctx context.Context, t *testing.T) *mongo.Database {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start mongo container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mustURI(ctx, t, container)))
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	return client.Database("mongoelector_test")
}

func mustURI(ctx context.Context, t *testing.T, container testcontainers.Container) string {
	t.Helper()
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get endpoint: %v", err)
	}
	return "mongodb://" + endpoint
}
