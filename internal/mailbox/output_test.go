package mailbox

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/installrelay/internal/session"
)

func newTestMailbox(t *testing.T) *Mailbox {
	t.Helper()
	mb := Open(afero.NewMemMapFs(), "/tmp/installrelay")
	require.NoError(t, mb.Ensure())
	return mb
}

func TestOutputLog_AppendAndReadFrom(t *testing.T) {
	mb := newTestMailbox(t)

	app, err := mb.Output.OpenAppender()
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	require.NoError(t, app.Append([]byte("hello ")))
	require.NoError(t, app.Append([]byte("world\n")))
	require.Equal(t, int64(12), app.Size())

	all, err := mb.Output.ReadFrom(0)
	require.NoError(t, err)
	require.Equal(t, "hello world\n", string(all))

	tail, err := mb.Output.ReadFrom(6)
	require.NoError(t, err)
	require.Equal(t, "world\n", string(tail))

	size, err := mb.Output.Size()
	require.NoError(t, err)
	require.Equal(t, int64(12), size)
}

func TestOutputLog_OpenAppenderTruncates(t *testing.T) {
	mb := newTestMailbox(t)
	require.NoError(t, afero.WriteFile(mb.fs, mb.Output.Path(), []byte("previous session"), 0o600))

	app, err := mb.Output.OpenAppender()
	require.NoError(t, err)
	require.NoError(t, app.Append([]byte("new")))
	require.NoError(t, app.Close())

	all, err := mb.Output.ReadFrom(0)
	require.NoError(t, err)
	require.Equal(t, "new", string(all))
}

func TestOutputLog_MissingFile(t *testing.T) {
	mb := newTestMailbox(t)

	size, err := mb.Output.Size()
	require.NoError(t, err)
	require.Zero(t, size)

	data, err := mb.Output.ReadFrom(0)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestReadNew_AdvancesCursor(t *testing.T) {
	mb := newTestMailbox(t)
	app, err := mb.Output.OpenAppender()
	require.NoError(t, err)

	require.NoError(t, app.Append([]byte("line one\n")))
	first, err := mb.ReadNew("s1", false)
	require.NoError(t, err)
	require.Equal(t, "line one\n", string(first))

	again, err := mb.ReadNew("s1", false)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, app.Append([]byte("line two\n")))
	second, err := mb.ReadNew("s1", false)
	require.NoError(t, err)
	require.Equal(t, "line two\n", string(second))

	cur, err := mb.Cursor.Load()
	require.NoError(t, err)
	require.Equal(t, Cursor{SessionID: "s1", Offset: 18}, cur)
}

func TestReadNew_OtherSessionCursorRestarts(t *testing.T) {
	mb := newTestMailbox(t)
	app, err := mb.Output.OpenAppender()
	require.NoError(t, err)
	require.NoError(t, app.Append([]byte("fresh output")))
	require.NoError(t, mb.Cursor.Save(Cursor{SessionID: "old", Offset: 5}))

	data, err := mb.ReadNew("new", false)
	require.NoError(t, err)
	require.Equal(t, "fresh output", string(data))
}

func TestReadNew_CursorPastEndRestarts(t *testing.T) {
	mb := newTestMailbox(t)
	app, err := mb.Output.OpenAppender()
	require.NoError(t, err)
	require.NoError(t, app.Append([]byte("abc")))
	require.NoError(t, mb.Cursor.Save(Cursor{SessionID: "s", Offset: 999}))

	data, err := mb.ReadNew("s", false)
	require.NoError(t, err)
	require.Equal(t, "abc", string(data))
}

func TestReadNew_HoldsBackPartialRune(t *testing.T) {
	mb := newTestMailbox(t)
	app, err := mb.Output.OpenAppender()
	require.NoError(t, err)

	full := []byte("请输入")
	// Split inside the second character.
	require.NoError(t, app.Append(full[:4]))

	data, err := mb.ReadNew("s", false)
	require.NoError(t, err)
	require.Equal(t, "请", string(data))

	require.NoError(t, app.Append(full[4:]))
	data, err = mb.ReadNew("s", false)
	require.NoError(t, err)
	require.Equal(t, "输入", string(data))
}

func TestReadNew_FinalDeliversEverything(t *testing.T) {
	mb := newTestMailbox(t)
	app, err := mb.Output.OpenAppender()
	require.NoError(t, err)
	require.NoError(t, app.Append([]byte{'o', 'k', 0xe8}))

	data, err := mb.ReadNew("s", true)
	require.NoError(t, err)
	require.Equal(t, []byte{'o', 'k', 0xe8}, data)
}

func TestCompletePrefix(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{"empty", nil, 0},
		{"ascii", []byte("abc"), 3},
		{"full rune", []byte("é"), 2},
		{"partial two-byte", []byte{'a', 0xc3}, 1},
		{"partial three-byte", []byte{'a', 0xe8, 0xaf}, 1},
		{"invalid continuation only", []byte{'a', 0x80}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, completePrefix(tt.in))
		})
	}
}

func TestStateStore_SaveLoad(t *testing.T) {
	mb := newTestMailbox(t)

	_, err := mb.State.Load()
	require.ErrorIs(t, err, ErrNoState)

	st := session.New("s", 10, []string{"inst", "install"}, time.Now())
	st.Running(11)
	require.NoError(t, mb.State.Save(st))

	got, err := mb.State.Load()
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, got.Status)
	require.Equal(t, 11, got.ChildPID)
	require.Equal(t, "s", got.SessionID)
}

func TestMailbox_RecreateRemovesArtifacts(t *testing.T) {
	mb := newTestMailbox(t)
	require.NoError(t, mb.State.Save(session.New("s", 1, nil, time.Now())))
	require.NoError(t, mb.Cursor.Save(Cursor{SessionID: "s", Offset: 3}))

	require.NoError(t, mb.Recreate())

	_, err := mb.State.Load()
	require.ErrorIs(t, err, ErrNoState)
	cur, err := mb.Cursor.Load()
	require.NoError(t, err)
	require.Equal(t, Cursor{}, cur)

	exists, err := afero.DirExists(mb.fs, mb.Dir())
	require.NoError(t, err)
	require.True(t, exists)
}

func TestMailbox_RemoveSlots(t *testing.T) {
	mb := newTestMailbox(t)
	_, err := mb.Input.Write(Answer{Value: "y"})
	require.NoError(t, err)
	_, err = mb.Control.Write(Control{Command: CommandStop})
	require.NoError(t, err)

	require.NoError(t, mb.RemoveSlots())

	_, err = mb.Input.Read()
	require.ErrorIs(t, err, ErrEmptySlot)
	_, err = mb.Control.Read()
	require.ErrorIs(t, err, ErrEmptySlot)

	// Removing again is not an error.
	require.NoError(t, mb.RemoveSlots())
}

// TestProperty_ReadNewDeliversExactlyOnce interleaves appends and reads and
// checks that the concatenation of every read equals the full log.
func TestProperty_ReadNewDeliversExactlyOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mb := Open(afero.NewMemMapFs(), "/mb")
		if err := mb.Ensure(); err != nil {
			t.Fatalf("ensure: %v", err)
		}
		app, err := mb.Output.OpenAppender()
		if err != nil {
			t.Fatalf("open appender: %v", err)
		}

		var written, delivered bytes.Buffer
		ops := rapid.IntRange(1, 40).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			if rapid.Bool().Draw(t, "append") {
				chunk := []byte(rapid.String().Draw(t, "chunk"))
				if err := app.Append(chunk); err != nil {
					t.Fatalf("append: %v", err)
				}
				written.Write(chunk)
				continue
			}
			data, err := mb.ReadNew("s", false)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			delivered.Write(data)
		}

		rest, err := mb.ReadNew("s", true)
		if err != nil {
			t.Fatalf("final read: %v", err)
		}
		delivered.Write(rest)

		if !bytes.Equal(written.Bytes(), delivered.Bytes()) {
			t.Fatalf("delivered %q, want %q", delivered.Bytes(), written.Bytes())
		}
	})
}
