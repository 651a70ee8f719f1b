// Package tui is the terminal chat client. It wires the full stack
// from a resolved config and renders the orchestrator's snapshots.
package tui

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/hasura/promptql-chat-sdk/apiclient"
	"github.com/hasura/promptql-chat-sdk/config"
	"github.com/hasura/promptql-chat-sdk/health"
	"github.com/hasura/promptql-chat-sdk/orchestrator"
	"github.com/hasura/promptql-chat-sdk/stream"
	"github.com/hasura/promptql-chat-sdk/threadstore"
	"github.com/hasura/promptql-chat-sdk/types"
)

func Run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	store, err := threadstore.NewGormStore(cfg.DBDriver, cfg.DBDSN, cfg.Scope)
	if err != nil {
		return fmt.Errorf("open thread store: %w", err)
	}
	defer store.Close()

	clientOpts := []apiclient.Option{
		apiclient.WithDDNHeaders(cfg.DDNHeaders),
		apiclient.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		apiclient.WithRetry(cfg.RetryAttempts, 500*time.Millisecond, 5*time.Second),
	}
	if cfg.Timezone != "" {
		clientOpts = append(clientOpts, apiclient.WithTimezone(cfg.Timezone))
	}
	client, err := apiclient.New(logger, cfg.BaseURL, clientOpts...)
	if err != nil {
		return fmt.Errorf("build api client: %w", err)
	}

	session := stream.New(client, logger, stream.WithCancelGrace(cfg.CancelGrace))

	// Snapshots arrive from the orchestrator's goroutines; they are
	// handed to tview through this channel so QueueUpdateDraw is never
	// called from the event-loop goroutine itself.
	snapshots := make(chan orchestrator.Snapshot, 32)
	healthChanges := make(chan health.Status, 8)

	orch := orchestrator.New(store, client, session, logger,
		orchestrator.WithCancelGrace(cfg.CancelGrace),
		orchestrator.WithOnChange(func(snap orchestrator.Snapshot) {
			select {
			case snapshots <- snap:
			default:
			}
		}))
	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.Stop()

	monitor := health.New(client, logger,
		health.WithInterval(cfg.HealthInterval),
		health.WithOnChange(func(status health.Status) {
			select {
			case healthChanges <- status:
			default:
			}
		}))
	if err := monitor.Start(); err != nil {
		return err
	}
	defer monitor.Stop()

	app := tview.NewApplication()

	statusView := tview.NewTextView().SetDynamicColors(true)
	statusView.SetBorder(true).SetTitle("PromptQL")

	transcript := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetScrollable(true)
	transcript.SetBorder(true).SetTitle("Conversation")

	helpView := tview.NewTextView().
		SetDynamicColors(true).
		SetText("Enter sends. /new starts a fresh thread, /cancel stops the current reply, /quit exits.")
	helpView.SetBorder(true).SetTitle("Help")

	input := tview.NewInputField().
		SetLabel("you> ").
		SetFieldWidth(0)
	input.SetBorder(true).SetTitle("Compose")

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(statusView, 3, 0, false).
		AddItem(transcript, 0, 1, false).
		AddItem(helpView, 3, 0, false).
		AddItem(input, 3, 0, true)

	ui := &chatUI{
		app:        app,
		statusView: statusView,
		transcript: transcript,
		health:     health.StatusUnknown,
	}
	ui.render(orch.Snapshot())

	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(input.GetText())
		if text == "" {
			return
		}
		input.SetText("")

		switch text {
		case "/quit":
			app.Stop()
		case "/cancel":
			go orch.CancelMessage(ctx)
		case "/new":
			go orch.StartNewThread(ctx)
		default:
			go func(message string) {
				if err := orch.SendMessage(ctx, message); err != nil {
					logger.Printf("send failed: %v", err)
				}
			}(text)
		}
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				app.Stop()
				return
			case snap := <-snapshots:
				app.QueueUpdateDraw(func() {
					ui.render(snap)
				})
			case status := <-healthChanges:
				app.QueueUpdateDraw(func() {
					ui.setHealth(status)
				})
			}
		}
	}()

	return app.SetRoot(layout, true).EnableMouse(true).Run()
}

type chatUI struct {
	app        *tview.Application
	statusView *tview.TextView
	transcript *tview.TextView
	health     health.Status
	last       orchestrator.Snapshot
}

func (ui *chatUI) setHealth(status health.Status) {
	ui.health = status
	ui.renderStatus()
}

func (ui *chatUI) render(snap orchestrator.Snapshot) {
	ui.last = snap
	ui.renderStatus()
	ui.renderTranscript()
}

func (ui *chatUI) renderStatus() {
	snap := ui.last

	streamPart := fmt.Sprintf("stream: %s", colorizeConnection(snap.ConnectionState))
	healthPart := fmt.Sprintf("api: %s", colorizeHealth(ui.health))

	activity := ""
	switch {
	case snap.Cancelling:
		activity = " [yellow]cancelling...[-]"
	case snap.CodeExecuting:
		activity = " [aqua]running query...[-]"
	case snap.Loading:
		activity = " [aqua]thinking...[-]"
	}

	errPart := ""
	if snap.Err != nil {
		errPart = fmt.Sprintf("  [red]%s[-]", snap.Err.Message)
	}

	ui.statusView.SetText(streamPart + "  " + healthPart + activity + errPart)
}

func (ui *chatUI) renderTranscript() {
	var b strings.Builder
	for _, message := range ui.last.Messages {
		writeMessage(&b, message)
	}
	ui.transcript.SetText(b.String())
	ui.transcript.ScrollToEnd()
}

func writeMessage(b *strings.Builder, message types.Message) {
	switch message.Role {
	case types.RoleUser:
		fmt.Fprintf(b, "[blue]you>[-] %s\n", tview.Escape(message.Content))
	default:
		cursor := ""
		if message.Streaming {
			cursor = " [gray]▌[-]"
		}
		fmt.Fprintf(b, "[white]assistant>[-] %s%s\n", tview.Escape(message.Content), cursor)
	}
	for _, block := range sortedBlocks(message.CodeBlocks) {
		label := "query plan"
		if block.Streaming {
			label = "query plan (running)"
		}
		fmt.Fprintf(b, "  [yellow]%s:[-]\n", label)
		for _, line := range strings.Split(strings.TrimRight(block.Content, "\n"), "\n") {
			fmt.Fprintf(b, "    [gray]%s[-]\n", tview.Escape(line))
		}
	}
	if plan := message.QueryPlan; plan != nil {
		fmt.Fprintf(b, "  [green]plan %s: %d rows in %dms[-]\n", plan.ID, plan.ResultCount, plan.ExecutionTimeMs)
	}
	b.WriteString("\n")
}

func sortedBlocks(blocks map[string]types.CodeBlock) []types.CodeBlock {
	if len(blocks) == 0 {
		return nil
	}
	out := make([]types.CodeBlock, 0, len(blocks))
	for _, block := range blocks {
		out = append(out, block)
	}
	// Map order is random; keep the rendering stable.
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func colorizeConnection(state types.ConnectionState) string {
	switch state {
	case types.ConnectionConnected:
		return "[green]connected[-]"
	case types.ConnectionConnecting, types.ConnectionReconnecting:
		return fmt.Sprintf("[yellow]%s[-]", state)
	case types.ConnectionError:
		return "[red]error[-]"
	default:
		return fmt.Sprintf("[gray]%s[-]", state)
	}
}

func colorizeHealth(status health.Status) string {
	switch status {
	case health.StatusHealthy:
		return "[green]healthy[-]"
	case health.StatusUnhealthy:
		return "[red]unhealthy[-]"
	default:
		return "[gray]unknown[-]"
	}
}
