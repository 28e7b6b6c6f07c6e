package mirror

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackmirror/trackmirror/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store) {
	t.Helper()

	st := newTestStore(t)

	// Notification rows reference their actor; tests use id 999.
	require.NoError(t, st.UpsertShadowUser(context.Background(), &store.User{ID: 999, Login: "actor"}))

	return NewDispatcher(st, slog.New(slog.DiscardHandler)), st
}

func subscribe(t *testing.T, st *store.Store, userID int64, patch store.SubscriptionPatch) {
	t.Helper()

	require.NoError(t, st.UpsertShadowUser(context.Background(), &store.User{ID: userID, Login: login(userID)}))

	_, err := st.UpdateSubscription(context.Background(), userID, 42, patch)
	require.NoError(t, err)
}

func login(userID int64) string {
	return map[int64]string{
		501: "alice",
		502: "bob",
		503: "carol",
	}[userID]
}

func TestDispatchFansOutToSubscribers(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedRepo(t, st)

	subscribe(t, st, 501, store.SubscriptionPatch{})
	subscribe(t, st, 502, store.SubscriptionPatch{})

	created, err := d.Dispatch(ctx, &Event{
		Kind:         store.NotifIssue,
		RepositoryID: 42,
		ActorID:      999,
		Title:        "Issue #1 opened",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	notifs, err := st.ListNotifications(ctx, 501, true)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Equal(t, store.NotifIssue, notifs[0].Kind)
	assert.Equal(t, "Issue #1 opened", notifs[0].Title)
}

func TestDispatchSkipsActor(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedRepo(t, st)

	subscribe(t, st, 501, store.SubscriptionPatch{})
	subscribe(t, st, 502, store.SubscriptionPatch{})

	created, err := d.Dispatch(ctx, &Event{
		Kind:         store.NotifIssue,
		RepositoryID: 42,
		ActorID:      501, // alice caused the change
		Title:        "Issue #1 closed",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	notifs, err := st.ListNotifications(ctx, 501, false)
	require.NoError(t, err)
	assert.Empty(t, notifs, "actors never hear about their own actions")
}

func TestDispatchRespectsChannels(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedRepo(t, st)

	off := false

	subscribe(t, st, 501, store.SubscriptionPatch{Issues: &off})
	subscribe(t, st, 502, store.SubscriptionPatch{})

	created, err := d.Dispatch(ctx, &Event{
		Kind:         store.NotifIssue,
		RepositoryID: 42,
		ActorID:      999,
		Title:        "Issue #1 opened",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	notifs, err := st.ListNotifications(ctx, 501, false)
	require.NoError(t, err)
	assert.Empty(t, notifs, "muted channel must stay silent")
}

func TestDispatchMentionOverridesMutedChannel(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedRepo(t, st)

	off := false

	// Alice muted issues but kept mentions on.
	subscribe(t, st, 501, store.SubscriptionPatch{Issues: &off})

	created, err := d.Dispatch(ctx, &Event{
		Kind:         store.NotifIssue,
		RepositoryID: 42,
		ActorID:      999,
		Title:        "Issue #1 opened",
		Body:         "cc @alice please take a look",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	notifs, err := st.ListNotifications(ctx, 501, true)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Equal(t, store.NotifMention, notifs[0].Kind, "mention upgrades the kind")
}

func TestDispatchMentionChannelOffStaysSilent(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedRepo(t, st)

	off := false

	subscribe(t, st, 501, store.SubscriptionPatch{Issues: &off, Mentions: &off})

	created, err := d.Dispatch(ctx, &Event{
		Kind:         store.NotifIssue,
		RepositoryID: 42,
		ActorID:      999,
		Body:         "cc @alice",
	})
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestDispatchIgnoresUnknownMentions(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedRepo(t, st)

	subscribe(t, st, 501, store.SubscriptionPatch{})

	created, err := d.Dispatch(ctx, &Event{
		Kind:         store.NotifIssue,
		RepositoryID: 42,
		ActorID:      999,
		Body:         "thanks @nobody-we-know!",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	notifs, err := st.ListNotifications(ctx, 501, true)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Equal(t, store.NotifIssue, notifs[0].Kind, "unknown login must not upgrade the kind")
}

func TestDispatchDeliveryHook(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedRepo(t, st)

	subscribe(t, st, 501, store.SubscriptionPatch{})

	var delivered []*store.Notification

	d.SetDeliveryHook(func(n *store.Notification) {
		delivered = append(delivered, n)
	})

	_, err := d.Dispatch(ctx, &Event{
		Kind:         store.NotifIssue,
		RepositoryID: 42,
		ActorID:      999,
		Title:        "Issue #1 opened",
	})
	require.NoError(t, err)

	require.Len(t, delivered, 1)
	assert.Equal(t, int64(501), delivered[0].UserID)
	assert.NotZero(t, delivered[0].ID)
}

func TestMentionPattern(t *testing.T) {
	tests := []struct {
		body string
		want []string
	}{
		{"cc @alice", []string{"alice"}},
		{"@alice and @bob-smith", []string{"alice", "bob-smith"}},
		{"email me at foo@example.com", nil},
		{"trailing hyphen @alice- end", []string{"alice"}},
		{"@@double", nil},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			var got []string

			for _, m := range mentionPattern.FindAllStringSubmatch(tt.body, -1) {
				if login := trimMention(m[1]); login != "" {
					got = append(got, login)
				}
			}

			assert.Equal(t, tt.want, got)
		})
	}
}
