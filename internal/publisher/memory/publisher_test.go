package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "doc-changes", map[string]string{"path": "README.md"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "doc-changes-dlq", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, 2, pub.Len())
	require.Equal(t, "doc-changes", msgs[0].Topic)
	require.Equal(t, "doc-changes-dlq", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "doc-changes", pub.Messages()[0].Topic)
}
