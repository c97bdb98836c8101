package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/installrelay/internal/client"
	"github.com/zjrosen/installrelay/internal/detector"
	"github.com/zjrosen/installrelay/internal/log"
	"github.com/zjrosen/installrelay/internal/mailbox"
	"github.com/zjrosen/installrelay/internal/pubsub"
	"github.com/zjrosen/installrelay/internal/session"
)

// execute runs the root command with a temp config file and mailbox.
func execute(t *testing.T, workDir string, args ...string) (string, string, error) {
	t.Helper()
	return executeWithConfig(t, workDir, "installer:\n  command: /bin/true\n", args...)
}

func executeWithConfig(t *testing.T, workDir, configYAML string, args ...string) (string, string, error) {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(configYAML), 0o600))

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(append([]string{"--config", configPath, "--work-dir", workDir}, args...))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	// runRelay silences the command it runs, and commands are package globals.
	for _, c := range rootCmd.Commands() {
		c.SilenceUsage = false
		c.SilenceErrors = false
	}

	err := Execute()
	return stdout.String(), stderr.String(), err
}

func decode(t *testing.T, out string) client.Response {
	t.Helper()
	var resp client.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %q", out)
	return resp
}

func TestCheck_NoSupervisorPrintsFailure(t *testing.T) {
	out, stderr, err := execute(t, t.TempDir(), "check")
	require.ErrorIs(t, err, errReported)
	require.Empty(t, stderr)

	resp := decode(t, out)
	require.False(t, resp.Success)
	require.Equal(t, client.CodeNoSupervisor, resp.Code)
}

func TestCheck_CompletedSession(t *testing.T) {
	dir := t.TempDir()
	mb := mailbox.Open(afero.NewOsFs(), dir)
	require.NoError(t, mb.Ensure())

	st := session.New("s-1", 1, []string{"/bin/true"}, time.Now())
	st.Running(2)
	code := 0
	st.Complete(&code, "", time.Now())
	require.NoError(t, mb.State.Save(st))
	require.NoError(t, os.WriteFile(mb.Output.Path(), []byte("installed\n"), 0o600))

	out, _, err := execute(t, dir, "check")
	require.NoError(t, err)

	resp := decode(t, out)
	require.True(t, resp.Success)
	require.Equal(t, session.StatusCompleted, resp.Status)
	require.Equal(t, "installed\n", *resp.Output)
	require.Equal(t, 0, *resp.ExitCode)
	require.False(t, *resp.WaitingInput)

	out, _, err = execute(t, dir, "check")
	require.NoError(t, err)
	require.Empty(t, *decode(t, out).Output)
}

func TestAnswer_WrongStateNamesStatus(t *testing.T) {
	dir := t.TempDir()
	mb := mailbox.Open(afero.NewOsFs(), dir)
	require.NoError(t, mb.Ensure())
	st := session.New("s-1", os.Getpid(), []string{"/bin/true"}, time.Now())
	st.Running(2)
	require.NoError(t, mb.State.Save(st))

	out, _, err := execute(t, dir, "answer", "y")
	require.ErrorIs(t, err, errReported)

	resp := decode(t, out)
	require.Equal(t, client.CodeWrongState, resp.Code)
	require.Equal(t, session.StatusRunning, resp.CurrentStatus)
}

// Usage errors print cobra's error and usage text instead of a JSON
// response. cobra writes usage to the command's output writer, which is
// stderr unless one is set.
func TestAnswer_UsageErrors(t *testing.T) {
	dir := t.TempDir()
	mb := mailbox.Open(afero.NewOsFs(), dir)
	require.NoError(t, mb.Ensure())
	st := session.New("s-1", os.Getpid(), []string{"/bin/true"}, time.Now())
	st.Running(2)
	require.NoError(t, st.WaitForInput(session.Question{Kind: session.KindYesNo, Text: "Continue?"}, session.DetectedByOutput, 1, ""))
	require.NoError(t, mb.State.Save(st))

	// A relay failure first, so the shared command has been silenced once.
	_, _, err := execute(t, t.TempDir(), "answer", "y")
	require.ErrorIs(t, err, errReported)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing argument", []string{"answer"}, "accepts 1 arg(s)"},
		{"empty value", []string{"answer", ""}, "value must not be empty"},
		{"blank value", []string{"answer", "  "}, "value must not be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, stderr, err := execute(t, dir, tt.args...)
			require.Error(t, err)
			require.NotErrorIs(t, err, errReported)
			require.Contains(t, stderr, tt.want)
			require.Contains(t, out, "Usage:")
			require.NotContains(t, out, `"success"`)
		})
	}

	_, err = mb.Input.Read()
	require.ErrorIs(t, err, mailbox.ErrEmptySlot)
}

func TestCheck_BadDurationNamesDecodeError(t *testing.T) {
	_, stderr, err := executeWithConfig(t, t.TempDir(),
		"installer:\n  command: /bin/true\nsupervisor:\n  input_poll: soon\n", "check")
	require.ErrorContains(t, err, "decoding config")
	require.ErrorContains(t, err, "soon")
	require.Contains(t, stderr, "decoding config")

	// The next run with a valid file starts clean.
	out, _, err := execute(t, t.TempDir(), "check")
	require.ErrorIs(t, err, errReported)
	require.Equal(t, client.CodeNoSupervisor, decode(t, out).Code)
}

func TestUnknownCommand(t *testing.T) {
	_, stderr, err := execute(t, t.TempDir(), "resume")
	require.Error(t, err)
	require.Contains(t, stderr, "unknown command")
}

func TestConfigInitAndSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay", "config.yaml")

	out, _, err := execute(t, t.TempDir(), "config", "init", path)
	require.NoError(t, err)
	require.Equal(t, path+"\n", out)

	_, _, err = execute(t, t.TempDir(), "config", "init", path)
	require.ErrorContains(t, err, "already exists")

	configPathBefore := cfgFile
	defer func() { cfgFile = configPathBefore }()
	_, _, err = execute(t, t.TempDir(), "--config", path, "config", "set", "installer.command", "./install.sh")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "command: ./install.sh")
}

func TestJournal_LogsTransitionsOnly(t *testing.T) {
	var buf bytes.Buffer
	log.InitWriter(&buf)
	t.Cleanup(func() { log.SetEnabled(false) })

	events := pubsub.NewBroker[*session.State]()
	done := journal(events.Subscribe(context.Background()))

	at := time.Now()
	st := session.New("s-1", 1, nil, at)
	events.PublishAt(pubsub.TransitionEvent, st.Clone(), at)
	st.Running(2)
	events.PublishAt(pubsub.TransitionEvent, st.Clone(), at.Add(time.Second))
	st.Beat(at.Add(2 * time.Second))
	events.PublishAt(pubsub.UpdatedEvent, st.Clone(), at.Add(2*time.Second))
	events.Close()
	<-done

	out := buf.String()
	require.Equal(t, 2, strings.Count(out, "Status transition"))
	require.Contains(t, out, "to=running")
	require.Contains(t, out, "after=1s")
}

func TestConfigRules_WritesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	out, _, err := execute(t, t.TempDir(), "config", "rules", path)
	require.NoError(t, err)
	require.Equal(t, path+"\n", out)

	d, err := detector.FromConfig(path)
	require.NoError(t, err)
	require.Greater(t, len(d.Matchers()), len(detector.DefaultMatchers()))
}
