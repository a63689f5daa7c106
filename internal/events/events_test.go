package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kiranshivaraju/issuehunter/internal/config"
	"github.com/kiranshivaraju/issuehunter/internal/events"
)

type recordingPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (r *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	if r.err != nil {
		return r.err
	}
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func TestPublishJSON_IssueDetected(t *testing.T) {
	p := &recordingPublisher{}
	ev := events.IssueDetected{TenantID: uuid.New(), StageID: uuid.New(), Group: "abc123"}

	require.NoError(t, events.PublishJSON(context.Background(), p, events.SubjectIssueDetected, ev))

	require.Equal(t, []string{"issues.detected"}, p.subjects)
	var got map[string]string
	require.NoError(t, json.Unmarshal(p.payloads[0], &got))
	assert.Equal(t, map[string]string{
		"tenant_id": ev.TenantID.String(),
		"stage_id":  ev.StageID.String(),
		"group":     "abc123",
	}, got)
}

func TestPublishJSON_RateLimitedPayload(t *testing.T) {
	p := &recordingPublisher{}
	ev := events.RateLimited{TenantID: uuid.New(), StageID: uuid.New(), LogGroup: "/aws/lambda/fn"}

	require.NoError(t, events.PublishJSON(context.Background(), p, events.SubjectRateLimited, ev))
	assert.Contains(t, string(p.payloads[0]), `"log_group":"/aws/lambda/fn"`)
}

func TestPublishJSON_Errors(t *testing.T) {
	p := &recordingPublisher{err: errors.New("broker down")}
	err := events.PublishJSON(context.Background(), p, events.SubjectIssueDetected, events.IssueDetected{})
	assert.ErrorContains(t, err, "broker down")

	err = events.PublishJSON(context.Background(), &recordingPublisher{}, "x", math.Inf(1))
	assert.ErrorContains(t, err, "marshal")
}

func TestNopPublisher(t *testing.T) {
	p := events.NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), events.SubjectIssueDetected, []byte("{}")))
	assert.NoError(t, p.Close())
}

// setupNATS spins up a NATS container and returns its client URL.
func setupNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return "nats://" + host + ":" + port.Port()
}

func TestNATSPublisher_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := setupNATS(t)
	ctx := context.Background()

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	received := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe(events.SubjectIssueDetected, received)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := events.Connect(config.NATSConfig{URL: url, Name: "test", MaxReconnects: 1, ReconnectWait: time.Second}, nil)
	require.NoError(t, err)
	require.NoError(t, pub.Ping(ctx))

	ev := events.IssueDetected{TenantID: uuid.New(), StageID: uuid.New(), Group: "g"}
	require.NoError(t, events.PublishJSON(ctx, pub, events.SubjectIssueDetected, ev))

	select {
	case msg := <-received:
		var got events.IssueDetected
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, ev, got)
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}

	require.NoError(t, pub.Close())
}

func TestNATSPublisher_CanceledContext(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := setupNATS(t)
	pub, err := events.Connect(config.NATSConfig{URL: url, Name: "test"}, nil)
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pub.Publish(ctx, events.SubjectIssueDetected, []byte("{}")), context.Canceled)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := events.Connect(config.NATSConfig{URL: "nats://127.0.0.1:1", Name: "test"}, nil)
	assert.Error(t, err)
}
