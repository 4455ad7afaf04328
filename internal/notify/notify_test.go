package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolgate/internal/domain"
	"schoolgate/internal/logging"
	"schoolgate/internal/queue"
	"schoolgate/internal/repository"
)

var (
	teacherA = domain.Actor{UserID: "t-a", Role: domain.RoleTeacher, ClassID: "K-A"}
	teacherB = domain.Actor{UserID: "t-b", Role: domain.RoleTeacher, ClassID: "K-B"}
	admin    = domain.Actor{UserID: "adm", Role: domain.RoleAdmin}
	jane     = domain.Actor{UserID: "g-1", Role: domain.RoleParent}
	john     = domain.Actor{UserID: "g-2", Role: domain.RoleGuardian}
)

func TestAudienceIncludes(t *testing.T) {
	tests := []struct {
		name  string
		aud   Audience
		actor domain.Actor
		want  bool
	}{
		{"zero reaches everyone", Audience{}, john, true},
		{"staff of own class", Staff("K-A"), teacherA, true},
		{"staff of other class", Staff("K-A"), teacherB, false},
		{"admin sees every class", Staff("K-A"), admin, true},
		{"guardian is not staff", Staff("K-A"), jane, false},
		{"listed user", Staff("K-A").And(Users("g-1")), jane, true},
		{"unlisted user", Users("g-1"), john, false},
		{"empty user id never matches", Users(""), domain.Actor{Role: domain.RoleGuardian}, false},
		{"roster staff without session class", Staff("K-A", "t-r"), domain.Actor{UserID: "t-r", Role: domain.RoleTeacher}, true},
		{"roster of another class", Staff("K-B", "t-r"), teacherA, false},
		{"role only", Audience{Roles: []domain.Role{domain.RoleAdmin}}, teacherA, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.aud.Includes(tt.actor))
		})
	}
}

func TestHubDeliversByAudienceAndDropsWhenFull(t *testing.T) {
	h := NewHub(1, logging.Discard())
	subA, cancelA := h.Subscribe(teacherA)
	defer cancelA()
	subB, cancelB := h.Subscribe(teacherB)
	defer cancelB()

	first := NewEvent(QueueEntryAdded, Staff("K-A"), map[string]string{"student_id": "2025-001"})
	assert.Equal(t, 1, h.Dispatch(first))
	// subA's buffer of one is now full.
	assert.Equal(t, 0, h.Dispatch(NewEvent(QueueEntryRemoved, Staff("K-A"), nil)))

	got := <-subA.Events()
	assert.Equal(t, first.ID, got.ID)
	assert.JSONEq(t, `{"student_id":"2025-001"}`, string(got.Payload))

	select {
	case e := <-subB.Events():
		t.Fatalf("K-B teacher received %s", e.Type)
	default:
	}
}

func TestHubCancelClosesStream(t *testing.T) {
	h := NewHub(4, logging.Discard())
	sub, cancel := h.Subscribe(jane)
	cancel()
	cancel()
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, h.Dispatch(NewEvent(AnnouncementPosted, Audience{}, nil)))
}

func TestHubRunsFromBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := queue.NewInMemory(8)
	h := NewHub(4, logging.Discard())
	sub, unsubscribe := h.Subscribe(jane)
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, broker) }()

	pub := NewBrokerPublisher(broker, logging.Discard())
	want := NewEvent(TransferCommitted, Users("g-1"), map[string]string{"id": "t-1"})
	require.Eventually(t, func() bool {
		pub.Publish(ctx, want)
		select {
		case got := <-sub.Events():
			return got.ID == want.ID
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestBrokerPublisherEncodesEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := queue.NewInMemory(4)
	msgs, err := broker.Subscribe(ctx)
	require.NoError(t, err)

	e := NewEvent(OverridePending, Audience{Roles: []domain.Role{domain.RoleAdmin}}, map[string]bool{"override": true})
	NewBrokerPublisher(broker, logging.Discard()).Publish(ctx, e)

	msg := <-msgs
	assert.Equal(t, string(OverridePending), msg.Type)
	var got Event
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, []domain.Role{domain.RoleAdmin}, got.Audience.Roles)
}

func newService(t *testing.T) (*Service, *repository.Memory, *Recorder) {
	t.Helper()
	mem := repository.NewMemory()
	mem.PutClass(domain.ClassRoster{ID: "K-A", Name: "Kinder A", StaffIDs: []string{"t-a"}})
	mem.PutClass(domain.ClassRoster{ID: "K-B", Name: "Kinder B", StaffIDs: []string{"t-b"}})
	rec := &Recorder{}
	return NewService(mem, rec, nil), mem, rec
}

func TestAnnounceListReadClear(t *testing.T) {
	s, _, rec := newService(t)
	ctx := context.Background()

	n, err := s.Announce(ctx, teacherA, Announcement{Message: "  Field trip tomorrow "})
	require.NoError(t, err)
	assert.Equal(t, "K-A", n.ClassID)
	assert.Equal(t, "Field trip tomorrow", n.Message)
	assert.Equal(t, domain.SeverityInfo, n.Severity)
	assert.Equal(t, []EventType{AnnouncementPosted}, rec.Types())

	_, err = s.Announce(ctx, admin, Announcement{Message: "School closed Friday", Severity: domain.SeverityWarning})
	require.NoError(t, err)

	listA, err := s.List(ctx, teacherA, 0)
	require.NoError(t, err)
	assert.Len(t, listA, 2)
	listB, err := s.List(ctx, teacherB, 0)
	require.NoError(t, err)
	require.Len(t, listB, 1)
	assert.Equal(t, "School closed Friday", listB[0].Message)

	require.NoError(t, s.MarkRead(ctx, teacherA, n.ID))
	listA, err = s.List(ctx, teacherA, 0)
	require.NoError(t, err)
	for _, got := range listA {
		assert.Equal(t, got.ID == n.ID, got.Read, got.Message)
	}
	// Read state is per user.
	listB, err = s.List(ctx, teacherB, 0)
	require.NoError(t, err)
	assert.False(t, listB[0].Read)

	// teacher B cannot see the K-A announcement.
	assert.ErrorIs(t, s.MarkRead(ctx, teacherB, n.ID), domain.NotFound(domain.CodeUnknownNotice, ""))
	assert.ErrorIs(t, s.MarkRead(ctx, teacherA, "nope"), domain.ErrNotFound)

	cleared, err := s.Clear(ctx, teacherA)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cleared)
	cleared, err = s.Clear(ctx, teacherA)
	require.NoError(t, err)
	assert.Zero(t, cleared)
}

func TestAnnounceRejections(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()

	_, err := s.Announce(ctx, jane, Announcement{Message: "hi"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = s.Announce(ctx, teacherA, Announcement{Message: "   "})
	assert.ErrorIs(t, err, domain.Validation(domain.CodeMissingField, ""))

	_, err = s.Announce(ctx, teacherA, Announcement{Message: "hi", Severity: "loud"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Announce(ctx, teacherA, Announcement{Message: "hi", Role: "janitor"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Announce(ctx, teacherA, Announcement{Message: "hi", ClassID: "K-B"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = s.Announce(ctx, domain.Actor{UserID: "t-x", Role: domain.RoleTeacher}, Announcement{Message: "hi"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = s.Announce(ctx, admin, Announcement{Message: "hi", ClassID: "K-Z"})
	assert.ErrorIs(t, err, domain.NotFound(domain.CodeUnknownClass, ""))
}
