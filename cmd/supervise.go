package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/installrelay/internal/detector"
	"github.com/zjrosen/installrelay/internal/log"
	"github.com/zjrosen/installrelay/internal/mailbox"
	"github.com/zjrosen/installrelay/internal/paths"
	"github.com/zjrosen/installrelay/internal/pubsub"
	"github.com/zjrosen/installrelay/internal/session"
	"github.com/zjrosen/installrelay/internal/supervisor"
	"github.com/zjrosen/installrelay/internal/tracing"
)

var sessionID string

// superviseCmd is spawned detached by start. It is not meant to be run by hand.
var superviseCmd = &cobra.Command{
	Use:    superviseCommand,
	Short:  "Run the installer supervisor in the foreground",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runSupervise,
}

func init() {
	superviseCmd.Flags().StringVar(&sessionID, "session-id", "", "session id to record in the state file")
	rootCmd.AddCommand(superviseCmd)
}

func runSupervise(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	mb := openMailbox()
	if err := mb.Ensure(); err != nil {
		return err
	}

	cleanup, err := log.InitWithTeaLog(mb.Path(mailbox.SupervisorLog), "supervisor")
	if err != nil {
		return fmt.Errorf("opening supervisor log: %w", err)
	}
	defer cleanup()
	if !debug {
		log.SetMinLevel(log.LevelInfo)
	}
	log.Info(log.CatSupervisor, "Supervisor starting",
		"pid", os.Getpid(), "session", sessionID, "workDir", cfg.WorkDir, "version", version)

	provider, err := tracing.NewProvider(cfg.Tracing.ProviderConfig(cfg.WorkDir))
	if err != nil {
		log.Warn(log.CatTrace, "Tracing disabled", "error", err)
		provider, _ = tracing.NewProvider(tracing.Config{})
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			log.Warn(log.CatTrace, "Tracing shutdown", "error", err)
		}
	}()

	det, err := detector.FromConfig(paths.Expand(cfg.Detector.RulesFile))
	if err != nil {
		log.ErrorErr(log.CatDetector, "Ignoring detector rules file", err, "path", cfg.Detector.RulesFile)
		det = detector.New()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	events := pubsub.NewBroker[*session.State]()
	journalDone := journal(events.Subscribe(context.Background()))
	defer func() {
		events.Close()
		<-journalDone
		if n := events.Dropped(); n > 0 {
			log.Warn(log.CatSupervisor, "Journal fell behind", "droppedEvents", n)
		}
	}()

	sup := supervisor.New(supervisor.Config{
		SessionID:    sessionID,
		Argv:         cfg.Installer.Argv(),
		Dir:          cfg.Installer.Dir,
		Env:          cfg.Installer.Env,
		InputPoll:    cfg.Supervisor.InputPoll,
		ControlPoll:  cfg.Supervisor.ControlPoll,
		TimeoutCheck: cfg.Supervisor.TimeoutCheck,
		Quiescence:   cfg.Supervisor.Quiescence,
		TailWidth:    cfg.Supervisor.TailWidth,
		UseFsnotify:  cfg.Supervisor.UseFsnotify,
	}, mb, det, supervisor.WithTracer(provider.Tracer()), supervisor.WithEvents(events))

	if err := sup.Run(cmd.Context(), signals); err != nil {
		log.ErrorErr(log.CatSupervisor, "Supervisor exited with error", err)
		return err
	}
	log.Info(log.CatSupervisor, "Supervisor exiting")
	return nil
}

// journal logs every status transition with the time spent in the previous
// status. The returned channel closes once the subscription ends.
func journal(events <-chan pubsub.Event[*session.State]) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var since time.Time
		var prev session.Status
		for ev := range events {
			if ev.Type != pubsub.TransitionEvent {
				continue
			}
			st := ev.Payload
			fields := []any{"from", prev, "to", st.Status}
			if !since.IsZero() {
				fields = append(fields, "after", ev.Timestamp.Sub(since).Round(time.Millisecond))
			}
			if st.Question != nil {
				fields = append(fields, "question", st.Question.Text)
			}
			log.Info(log.CatSupervisor, "Status transition", fields...)
			prev, since = st.Status, ev.Timestamp
		}
	}()
	return done
}
