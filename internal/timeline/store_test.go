package timeline

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meyliana22/influent-app-sub001/internal/domain"
	"github.com/Meyliana22/influent-app-sub001/internal/transport"
	"github.com/Meyliana22/influent-app-sub001/internal/transport/transporttest"
)

const userA = domain.ID("A")

func newTestStore(t *testing.T, cfg Config) (*Store, *transporttest.Channel) {
	t.Helper()
	ch := transporttest.NewChannel()
	s := NewStore(ch, userA, cfg, zerolog.Nop())
	s.Start()
	t.Cleanup(s.Close)
	return s, ch
}

func echo(id, room, user domain.ID, text string) map[string]any {
	return map[string]any{
		"id":        id,
		"roomId":    room,
		"userId":    user,
		"text":      text,
		"timestamp": "2024-05-01T12:00:00Z",
	}
}

func TestSendThenEchoReplacesInPlace(t *testing.T) {
	s, ch := newTestStore(t, Config{})
	s.Reset("7")
	require.True(t, s.Load("7", []domain.Message{
		{ID: "40", RoomID: "7", UserID: "B", Text: "hi", Timestamp: time.Unix(1, 0)},
	}))
	before := s.Len()

	pending, err := s.Send("hello")
	require.NoError(t, err)
	assert.True(t, pending.Pending)
	assert.True(t, pending.IsPlaceholder())
	assert.Equal(t, before+1, s.Len())

	emitted := ch.EmittedFor(domain.CmdMessage)
	require.Len(t, emitted, 1)
	cmd := emitted[0].Payload.(domain.SendMessageCommand)
	assert.Equal(t, domain.ID("7"), cmd.RoomID)
	assert.Equal(t, "hello", cmd.Message)
	assert.NotEmpty(t, cmd.ClientID)

	ch.Deliver(domain.EventMessage, echo("42", "7", userA, "hello"))

	msgs := s.Messages()
	require.Len(t, msgs, before+1)
	last := msgs[len(msgs)-1]
	assert.Equal(t, domain.ID("42"), last.ID)
	assert.False(t, last.Pending)
	assert.Equal(t, "hello", last.Text)
}

func TestUnmatchedEchoAppends(t *testing.T) {
	s, ch := newTestStore(t, Config{})
	s.Reset("7")

	_, err := s.Send("hello")
	require.NoError(t, err)
	before := s.Len()

	ch.Deliver(domain.EventMessage, echo("43", "7", "B", "hello"))
	ch.Deliver(domain.EventMessage, echo("44", "7", userA, "something else"))

	msgs := s.Messages()
	assert.Len(t, msgs, before+2)
	assert.True(t, msgs[0].Pending, "pending entry from another author's text must stay pending")
}

func TestEchoMatchesByClientID(t *testing.T) {
	s, ch := newTestStore(t, Config{})
	s.Reset("7")

	_, err := s.Send("hello")
	require.NoError(t, err)
	clientID := ch.EmittedFor(domain.CmdMessage)[0].Payload.(domain.SendMessageCommand).ClientID

	evt := echo("42", "7", userA, "hello (edited by server)")
	evt["clientId"] = clientID
	ch.Deliver(domain.EventMessage, evt)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ID("42"), msgs[0].ID)
	assert.False(t, msgs[0].Pending)
}

func TestDuplicateSendKeepsSinglePendingEntry(t *testing.T) {
	s, ch := newTestStore(t, Config{})
	s.Reset("7")

	first, err := s.Send("hello")
	require.NoError(t, err)
	second, err := s.Send("hello")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, s.Len())
	assert.Len(t, ch.EmittedFor(domain.CmdMessage), 2)

	ch.Deliver(domain.EventMessage, echo("42", "7", userA, "hello"))
	ch.Deliver(domain.EventMessage, echo("43", "7", userA, "hello"))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.ID("42"), msgs[0].ID)
	assert.Equal(t, domain.ID("43"), msgs[1].ID)
	for _, m := range msgs {
		assert.False(t, m.Unconfirmed())
	}
}

func TestReceiveIgnoresOtherRoomsAndDuplicates(t *testing.T) {
	s, ch := newTestStore(t, Config{})
	s.Reset("7")

	ch.Deliver(domain.EventMessage, echo("1", "8", "B", "elsewhere"))
	ch.Deliver(domain.EventMessage, echo("2", "7", "B", "here"))
	ch.Deliver(domain.EventMessage, echo("2", "7", "B", "here"))
	ch.Deliver(domain.EventMessage, map[string]any{"id": 3, "text": "no room"})
	ch.Deliver(domain.EventMessage, `{"id":`)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ID("2"), msgs[0].ID)
}

func TestResetClearsImmediately(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	s.Reset("7")
	require.True(t, s.Load("7", []domain.Message{{ID: "1", RoomID: "7", UserID: "B", Text: "x"}}))
	_, err := s.Send("pending")
	require.NoError(t, err)

	s.Reset("8")
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, domain.ID("8"), s.RoomID())
}

func TestLoadRejectsStaleRoomAndSorts(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	s.Reset("8")

	assert.False(t, s.Load("7", []domain.Message{{ID: "1", RoomID: "7"}}))
	assert.Equal(t, 0, s.Len())

	_, err := s.Send("typed before history")
	require.NoError(t, err)

	ok := s.Load("8", []domain.Message{
		{ID: "b", RoomID: "8", UserID: "B", Text: "second", Timestamp: time.Unix(20, 0)},
		{ID: "a", RoomID: "8", UserID: "B", Text: "first", Timestamp: time.Unix(10, 0)},
	})
	require.True(t, ok)

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.ID("a"), msgs[0].ID)
	assert.Equal(t, domain.ID("b"), msgs[1].ID)
	assert.True(t, msgs[2].Pending)
}

func TestLoadDropsLiveDuplicates(t *testing.T) {
	s, ch := newTestStore(t, Config{})
	s.Reset("8")

	ch.Deliver(domain.EventMessage, echo("b", "8", "B", "second"))
	ch.Deliver(domain.EventMessage, echo("c", "8", "B", "third"))

	require.True(t, s.Load("8", []domain.Message{
		{ID: "a", RoomID: "8", Timestamp: time.Unix(10, 0)},
		{ID: "b", RoomID: "8", Timestamp: time.Unix(20, 0)},
	}))

	var ids []domain.ID
	for _, m := range s.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []domain.ID{"a", "b", "c"}, ids)
}

func TestSendValidation(t *testing.T) {
	s, ch := newTestStore(t, Config{})

	_, err := s.Send("hello")
	assert.ErrorIs(t, err, ErrNoActiveRoom)

	s.Reset("7")
	_, err = s.Send("   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, ch.Emitted())
}

func TestEmitFailureMarksEntryFailed(t *testing.T) {
	s, ch := newTestStore(t, Config{})
	s.Reset("7")
	ch.SetConnected(false)

	msg, err := s.Send("hello")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.True(t, msg.Failed)
	assert.False(t, msg.Pending)
	require.Equal(t, 1, s.Len())

	ch.SetConnected(true)
	retried, err := s.Send("hello")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, retried.ID)
	assert.True(t, retried.Pending)
	assert.Equal(t, 1, s.Len())
}

func TestSendTimeoutMarksFailedAndLateEchoReconciles(t *testing.T) {
	s, ch := newTestStore(t, Config{SendTimeout: 20 * time.Millisecond})
	s.Reset("7")

	changes := make(chan struct{}, 16)
	s.OnChange(func() { changes <- struct{}{} })

	_, err := s.Send("hello")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].Failed
	}, time.Second, 5*time.Millisecond)

	ch.Deliver(domain.EventMessage, echo("42", "7", userA, "hello"))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ID("42"), msgs[0].ID)
	assert.False(t, msgs[0].Unconfirmed())
	assert.NotEmpty(t, changes)
}

func TestConfirmedBeforeTimeoutNeverFails(t *testing.T) {
	s, ch := newTestStore(t, Config{SendTimeout: 30 * time.Millisecond})
	s.Reset("7")

	_, err := s.Send("hello")
	require.NoError(t, err)
	ch.Deliver(domain.EventMessage, echo("42", "7", userA, "hello"))

	time.Sleep(60 * time.Millisecond)
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Failed)
}

func TestCloseUnsubscribes(t *testing.T) {
	ch := transporttest.NewChannel()
	s := NewStore(ch, userA, Config{}, zerolog.Nop())
	s.Start()
	assert.Equal(t, 1, ch.Listeners(domain.EventMessage))
	s.Close()
	assert.Equal(t, 0, ch.Listeners(domain.EventMessage))
}

func TestEmitErrorIsWrapped(t *testing.T) {
	s, ch := newTestStore(t, Config{})
	s.Reset("7")
	boom := errors.New("buffer full")
	ch.FailEmits(boom)

	_, err := s.Send("x")
	assert.ErrorIs(t, err, boom)
}

func TestLoadConfirmsPendingSendAlreadyInHistory(t *testing.T) {
	s, ch := newTestStore(t, Config{SendTimeout: 30 * time.Millisecond})
	s.Reset("7")

	_, err := s.Send("hello")
	require.NoError(t, err)

	// Re-join history already holds the persisted copy.
	require.True(t, s.Load("7", []domain.Message{
		{ID: "41", RoomID: "7", UserID: "B", Text: "hi", Timestamp: time.Now().Add(-time.Second)},
		{ID: "42", RoomID: "7", UserID: userA, Text: "hello", Timestamp: time.Now()},
	}))
	ch.Deliver(domain.EventMessage, echo("42", "7", userA, "hello"))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.ID("42"), msgs[1].ID)
	assert.False(t, msgs[1].Unconfirmed())

	// The send timer was stopped with the entry.
	time.Sleep(60 * time.Millisecond)
	for _, m := range s.Messages() {
		assert.False(t, m.Failed)
	}
}

func TestLoadConfirmsPendingSendByClientID(t *testing.T) {
	s, ch := newTestStore(t, Config{})
	s.Reset("7")

	_, err := s.Send("hello")
	require.NoError(t, err)
	cmd := ch.EmittedFor(domain.CmdMessage)[0].Payload.(domain.SendMessageCommand)

	require.True(t, s.Load("7", []domain.Message{
		{ID: "42", RoomID: "7", UserID: userA, Text: "hello", ClientID: cmd.ClientID, Timestamp: time.Now()},
	}))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ID("42"), msgs[0].ID)
}

func TestLoadKeepsPendingSendWhenOnlyOldCopyMatches(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	s.Reset("7")

	_, err := s.Send("ok")
	require.NoError(t, err)

	require.True(t, s.Load("7", []domain.Message{
		{ID: "5", RoomID: "7", UserID: userA, Text: "ok", Timestamp: time.Now().Add(-time.Hour)},
	}))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.ID("5"), msgs[0].ID)
	assert.True(t, msgs[1].Pending)
}
