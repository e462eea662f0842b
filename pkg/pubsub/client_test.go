package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-settlement/pkg/config"
)

func TestResourceName(t *testing.T) {
	assert.Equal(t, "projects/p1/topics/settlement-events", resourceName("p1", "topics", " settlement-events "))
	assert.Equal(t, "projects/other/topics/alerts", resourceName("p1", "topics", "projects/other/topics/alerts"))
	assert.Empty(t, resourceName("p1", "topics", ""))
	assert.Empty(t, resourceName("", "topics", "alerts"))
}

func TestTopicNamesSkipsBlank(t *testing.T) {
	assert.Equal(t, []string{"alerts"}, topicNames(config.PubSubConfig{SettlementTopic: " ", AlertsTopic: "alerts"}))
	assert.Empty(t, topicNames(config.PubSubConfig{}))
}

func TestNewClientRequiresProject(t *testing.T) {
	_, err := NewClient(context.Background(), config.GCPConfig{}, config.PubSubConfig{}, nil)
	require.ErrorIs(t, err, errProjectIDRequired)
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	assert.Nil(t, c.Publisher("alerts"))
	assert.Error(t, c.Ping(context.Background()))
	assert.NoError(t, c.Close())
}
