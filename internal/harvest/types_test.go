package harvest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFeedCursorAdmits(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		cursor FeedCursor
		event  ChangeEvent
		want   bool
	}{
		{"later timestamp", FeedCursor{Since: at}, ChangeEvent{ID: "a", Timestamp: at.Add(time.Nanosecond)}, true},
		{"same timestamp without id", FeedCursor{Since: at}, ChangeEvent{ID: "z", Timestamp: at}, false},
		{"same timestamp higher id", FeedCursor{Since: at, AfterID: "b"}, ChangeEvent{ID: "c", Timestamp: at}, true},
		{"same timestamp same id", FeedCursor{Since: at, AfterID: "b"}, ChangeEvent{ID: "b", Timestamp: at}, false},
		{"same timestamp lower id", FeedCursor{Since: at, AfterID: "b"}, ChangeEvent{ID: "a", Timestamp: at}, false},
		{"earlier timestamp", FeedCursor{Since: at, AfterID: "b"}, ChangeEvent{ID: "z", Timestamp: at.Add(-time.Second)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.cursor.Admits(tt.event))
		})
	}
}

func TestFeedCursorNextResumesAfterEvent(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []ChangeEvent{{ID: "e1", Timestamp: at}, {ID: "e2", Timestamp: at}, {ID: "e3", Timestamp: at}}

	next := FeedCursor{}.Next(events[1])
	require.Equal(t, FeedCursor{Since: at, AfterID: "e2"}, next)
	require.False(t, next.Admits(events[0]))
	require.False(t, next.Admits(events[1]))
	require.True(t, next.Admits(events[2]))
}
