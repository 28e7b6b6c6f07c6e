package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/trackmirror/trackmirror/internal/store"
)

// Event describes one user-visible change to fan out as notifications.
// ActorID is the user who caused the change; actors never receive
// notifications about their own actions.
type Event struct {
	Kind          string // store.Notif* constant
	RepositoryID  int64
	ActorID       int64
	Title         string
	Body          string // scanned for @mentions
	IssueID       *int64
	ReleaseID     *int64
	WorkflowRunID *int64
}

// mentionPattern matches @login tokens. Logins are alphanumeric plus
// hyphens; trailing hyphens are trimmed after the match.
var mentionPattern = regexp.MustCompile(`(?:^|[^\w@])@([a-zA-Z0-9][a-zA-Z0-9-]{0,38})`)

// trimMention strips hyphens a login cannot end with.
func trimMention(s string) string {
	return strings.TrimRight(s, "-")
}

// Dispatcher fans events out to repository subscribers. Each subscriber
// gets at most one notification per event: a mention upgrades the kind
// rather than producing a duplicate row.
type Dispatcher struct {
	store  *store.Store
	logger *slog.Logger

	// deliver, when set, pushes each created notification to live
	// listeners (the websocket feed). Never blocks dispatch.
	deliver func(n *store.Notification)
}

func NewDispatcher(st *store.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{store: st, logger: logger}
}

// SetDeliveryHook registers a callback invoked for every notification
// created. Must be called before dispatching begins.
func (d *Dispatcher) SetDeliveryHook(fn func(n *store.Notification)) {
	d.deliver = fn
}

// Dispatch creates notifications for every subscriber whose channels
// admit the event. Returns the number created. Per-subscriber failures
// are logged and skipped so one bad row cannot block the rest of the
// fan-out.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (int, error) {
	subs, err := d.store.ListSubscriptionsForRepository(ctx, ev.RepositoryID)
	if err != nil {
		return 0, fmt.Errorf("mirror: listing subscribers: %w", err)
	}

	mentioned, err := d.mentionedUserIDs(ctx, ev.Body)
	if err != nil {
		return 0, err
	}

	created := 0

	for _, sub := range subs {
		if sub.UserID == ev.ActorID {
			continue
		}

		kind, ok := d.eventKindFor(sub, ev, mentioned[sub.UserID])
		if !ok {
			continue
		}

		n := &store.Notification{
			UserID:        sub.UserID,
			RepositoryID:  ev.RepositoryID,
			Kind:          kind,
			IssueID:       ev.IssueID,
			ReleaseID:     ev.ReleaseID,
			WorkflowRunID: ev.WorkflowRunID,
			ActorID:       ev.ActorID,
			Title:         ev.Title,
		}

		if err := d.store.CreateNotification(ctx, n); err != nil {
			d.logger.Warn("notification delivery failed",
				slog.Int64("user", sub.UserID),
				slog.String("kind", kind),
				slog.String("error", err.Error()),
			)

			continue
		}

		if d.deliver != nil {
			d.deliver(n)
		}

		created++
	}

	d.logger.Debug("event dispatched",
		slog.String("kind", ev.Kind),
		slog.Int64("repo", ev.RepositoryID),
		slog.Int("subscribers", len(subs)),
		slog.Int("created", created),
	)

	return created, nil
}

// eventKindFor decides whether a subscriber receives the event and as
// what kind. A mention overrides the base channel: a user who muted
// issue traffic but kept mentions on still hears their name.
func (d *Dispatcher) eventKindFor(sub *store.Subscription, ev *Event, isMentioned bool) (string, bool) {
	if isMentioned && sub.Mentions {
		return store.NotifMention, true
	}

	switch ev.Kind {
	case store.NotifIssue:
		return ev.Kind, sub.Issues
	case store.NotifPullRequest:
		return ev.Kind, sub.PullRequests
	case store.NotifRelease:
		return ev.Kind, sub.Releases
	case store.NotifCI:
		return ev.Kind, sub.CI
	case store.NotifActivity:
		return ev.Kind, sub.Activity
	default:
		return "", false
	}
}

// mentionedUserIDs resolves @login tokens in body to registered user
// ids. Unknown logins are ignored; mentioning a login that never
// interacted with the mirror cannot notify anyone.
func (d *Dispatcher) mentionedUserIDs(ctx context.Context, body string) (map[int64]bool, error) {
	if body == "" || !strings.Contains(body, "@") {
		return nil, nil
	}

	ids := make(map[int64]bool)

	for _, m := range mentionPattern.FindAllStringSubmatch(body, -1) {
		login := trimMention(m[1])
		if login == "" {
			continue
		}

		u, err := d.store.GetUserByLogin(ctx, login)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}

			return nil, err
		}

		ids[u.ID] = true
	}

	return ids, nil
}
