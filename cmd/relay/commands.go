package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"relay/internal/client"
	"relay/internal/config"
	"relay/internal/types"
)

var (
	flagServer    string
	flagTransport string
	flagSession   string
	flagAgent     string
	flagTitle     string
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Streaming session client for remote agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagServer, "server", "", "server base URL (overrides config)")
	root.PersistentFlags().StringVar(&flagTransport, "transport", "", "preferred transport: socket or stream")

	root.AddCommand(newSendCommand())
	root.AddCommand(newWatchCommand())
	root.AddCommand(newSessionsCommand())
	root.AddCommand(newApprovalsCommand())
	root.AddCommand(newConfigCommand())
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// contentPrinter streams assistant content to stdout as it commits, printing
// only the unseen suffix on each update.
type contentPrinter struct {
	mu      sync.Mutex
	printed int
}

func (p *contentPrinter) update(session *types.Session) {
	msg := session.LastAssistantMessage()
	if msg == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(msg.Content) > p.printed {
		fmt.Print(msg.Content[p.printed:])
		p.printed = len(msg.Content)
	}
}

func (p *contentPrinter) reset() {
	p.mu.Lock()
	p.printed = 0
	p.mu.Unlock()
}

func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send one message and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := &contentPrinter{}
			rt, err := newAppRuntime(runtimeOverrides{
				server:    flagServer,
				transport: flagTransport,
				onUpdate:  printer.update,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signalContext()
			defer cancel()

			sessionID := strings.TrimSpace(flagSession)
			if sessionID == "" {
				session, err := rt.api.CreateSession(ctx, clientCreateRequest())
				if err != nil {
					return err
				}
				sessionID = session.ID
				fmt.Fprintf(os.Stderr, "session %s\n", sessionID)
			} else {
				if _, err := rt.engine.LoadSession(ctx, sessionID); err != nil {
					return err
				}
				if _, err := rt.engine.ResumeIfIncomplete(ctx, sessionID); err != nil {
					fmt.Fprintf(os.Stderr, "resume failed: %v\n", err)
				}
				printer.reset()
			}

			msg, err := rt.engine.Send(ctx, sessionID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println()
			printPanels(msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagSession, "session", "", "existing session id (new session when empty)")
	cmd.Flags().StringVar(&flagAgent, "agent", "", "agent id for a new session")
	cmd.Flags().StringVar(&flagTitle, "title", "", "title for a new session")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a session's live events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := &contentPrinter{}
			rt, err := newAppRuntime(runtimeOverrides{
				server:    flagServer,
				transport: flagTransport,
				onUpdate:  printer.update,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signalContext()
			defer cancel()

			sessionID := args[0]
			if _, err := rt.engine.LoadSession(ctx, sessionID); err != nil {
				return err
			}
			printer.reset()
			fmt.Fprintf(os.Stderr, "watching %s (%s transport)\n", sessionID, rt.selector.Active())
			return rt.engine.Watch(ctx, sessionID)
		},
	}
}

func newSessionsCommand() *cobra.Command {
	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newAppRuntime(runtimeOverrides{server: flagServer, transport: flagTransport})
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := signalContext()
			defer cancel()
			all, err := rt.api.ListSessions(ctx)
			if err != nil {
				return err
			}
			for _, session := range all {
				title := session.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%s\t%s\t%s\n", session.ID, title, session.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	create := &cobra.Command{
		Use:   "new",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newAppRuntime(runtimeOverrides{server: flagServer, transport: flagTransport})
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := signalContext()
			defer cancel()
			session, err := rt.api.CreateSession(ctx, clientCreateRequest())
			if err != nil {
				return err
			}
			fmt.Println(session.ID)
			return nil
		},
	}
	create.Flags().StringVar(&flagAgent, "agent", "", "agent id")
	create.Flags().StringVar(&flagTitle, "title", "", "session title")

	remove := &cobra.Command{
		Use:   "rm <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newAppRuntime(runtimeOverrides{server: flagServer, transport: flagTransport})
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := signalContext()
			defer cancel()
			if err := rt.api.DeleteSession(ctx, args[0]); err != nil {
				return err
			}
			rt.engine.DropSession(args[0])
			return nil
		},
	}

	title := &cobra.Command{
		Use:   "title <session-id> <title>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newAppRuntime(runtimeOverrides{server: flagServer, transport: flagTransport})
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := signalContext()
			defer cancel()
			_, err = rt.api.UpdateSessionTitle(ctx, args[0], args[1])
			return err
		},
	}

	sessions.AddCommand(list, create, remove, title)
	return sessions
}

func newApprovalsCommand() *cobra.Command {
	approvals := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and answer pending approvals",
	}

	list := &cobra.Command{
		Use:   "list <session-id>",
		Short: "List pending approvals for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newAppRuntime(runtimeOverrides{server: flagServer, transport: flagTransport})
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := signalContext()
			defer cancel()
			session, err := rt.engine.LoadSession(ctx, args[0])
			if err != nil {
				return err
			}
			found := false
			for _, msg := range session.Messages {
				for _, item := range msg.Workflow {
					if item.Category == "approval" && item.Status == types.WorkflowStatusPending {
						fmt.Printf("%s\t%s\n", item.Title, item.Detail)
						found = true
					}
				}
			}
			if !found {
				fmt.Println("no pending approvals")
			}
			return nil
		},
	}

	decide := func(decision types.ApprovalDecision) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			rt, err := newAppRuntime(runtimeOverrides{server: flagServer, transport: flagTransport})
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := signalContext()
			defer cancel()
			return rt.engine.DecideApproval(ctx, args[0], args[1], decision)
		}
	}

	approve := &cobra.Command{
		Use:   "approve <session-id> <approval-id>",
		Short: "Approve a pending action once",
		Args:  cobra.ExactArgs(2),
		RunE:  decide(types.ApproveOnce),
	}
	approveSession := &cobra.Command{
		Use:   "approve-session <session-id> <approval-id>",
		Short: "Approve a pending action for the rest of the session",
		Args:  cobra.ExactArgs(2),
		RunE:  decide(types.ApproveSession),
	}
	deny := &cobra.Command{
		Use:   "deny <session-id> <approval-id>",
		Short: "Deny a pending action",
		Args:  cobra.ExactArgs(2),
		RunE:  decide(types.Deny),
	}

	approvals.AddCommand(list, approve, approveSession, deny)
	return approvals
}

func newConfigCommand() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.SettingsPath()
			if err != nil {
				return err
			}
			settings, err := config.LoadSettings(path)
			if err != nil {
				return err
			}
			fmt.Printf("config file:  %s\n", path)
			fmt.Printf("server:       %s\n", settings.Server.BaseURL)
			fmt.Printf("transport:    %s\n", settings.Transport.Prefer)
			fmt.Printf("snapshot tail: %d messages, %dms debounce\n",
				settings.Snapshot.Tail, settings.Snapshot.DebounceMS)
			fmt.Printf("log level:    %s\n", settings.Logging.Level)
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.SettingsPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil {
				return errors.New("config file already exists: " + path)
			}
			if err := config.SaveSettings(path, config.DefaultSettings()); err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}

	cfg.AddCommand(initCmd)
	return cfg
}

func clientCreateRequest() client.CreateSessionRequest {
	return client.CreateSessionRequest{
		AgentID: strings.TrimSpace(flagAgent),
		Title:   strings.TrimSpace(flagTitle),
	}
}

func printPanels(msg *types.Message) {
	if msg == nil {
		return
	}
	if msg.Question != nil {
		fmt.Println()
		fmt.Println("question:", msg.Question.Prompt)
		for i, option := range msg.Question.Options {
			fmt.Printf("  %d. %s\n", i+1, option)
		}
	}
	if msg.Plan != nil && len(msg.Plan.Steps) > 0 {
		fmt.Println()
		fmt.Println("plan:")
		for _, step := range msg.Plan.Steps {
			marker := " "
			switch step.Status {
			case types.PlanStepInProgress:
				marker = ">"
			case types.PlanStepCompleted:
				marker = "x"
			}
			fmt.Printf("  [%s] %s\n", marker, step.Title)
		}
	}
}
