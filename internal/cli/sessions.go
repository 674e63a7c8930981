package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"agentrelay/internal/transcript"
)

type SessionsCmd struct {
	List   SessionsListCmd   `cmd:"" default:"withargs" help:"List stored transcripts, newest first"`
	Show   SessionsShowCmd   `cmd:"" help:"Print the messages of a transcript"`
	Delete SessionsDeleteCmd `cmd:"" help:"Delete a transcript"`
}

type SessionsListCmd struct {
	JSON bool `help:"Print JSON even on a terminal"`
}

func (c *SessionsListCmd) Run(g *Globals) error {
	ctx := context.Background()
	store, _, release, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer release()

	infos, err := store.List(ctx)
	if err != nil {
		return err
	}
	out := g.stdout()
	if c.JSON || !isTerminal(out) {
		return writeSessionsJSON(out, infos)
	}
	writeSessionsTable(out, infos)
	return nil
}

type SessionsShowCmd struct {
	ID   string `arg:"" help:"Session id"`
	JSON bool   `help:"Print the stored session as JSON"`
}

func (c *SessionsShowCmd) Run(g *Globals) error {
	ctx := context.Background()
	store, _, release, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer release()

	data, err := store.Get(ctx, c.ID)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("session %s not found", c.ID)
	}
	if c.JSON {
		enc := json.NewEncoder(g.stdout())
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	return writeMessages(g.stdout(), data)
}

type SessionsDeleteCmd struct {
	ID string `arg:"" help:"Session id"`
}

func (c *SessionsDeleteCmd) Run(g *Globals) error {
	ctx := context.Background()
	store, _, release, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer release()

	deleted, err := store.Delete(ctx, c.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("session %s not found", c.ID)
	}
	_, err = fmt.Fprintf(g.stdout(), "deleted %s\n", c.ID)
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func writeSessionsJSON(w io.Writer, infos []transcript.SessionInfo) error {
	if infos == nil {
		infos = []transcript.SessionInfo{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(infos)
}

func writeSessionsTable(w io.Writer, infos []transcript.SessionInfo) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateHeader = true
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignCenter, WidthMax: 60},
		{Number: 3, Align: text.AlignCenter, AlignHeader: text.AlignCenter},
		{Number: 4, Align: text.AlignCenter, AlignHeader: text.AlignCenter},
	})
	tw.AppendHeader(table.Row{"Session ID", "Title", "Modified", "Created"})
	for _, info := range infos {
		tw.AppendRow(table.Row{
			info.SessionID,
			info.Title,
			info.ModifiedAt.Local().Format(time.DateTime),
			info.CreatedAt.Local().Format(time.DateTime),
		})
	}
	if len(infos) == 0 {
		tw.AppendRow(table.Row{"-", "(no sessions)", "-", "-"})
	}
	tw.Render()
}

// writeMessages prints one block per message. Structured content is
// printed as JSON.
func writeMessages(w io.Writer, data *transcript.SessionData) error {
	title := data.Title
	if title == "" {
		title = transcript.FallbackTitle(data.SessionID)
	}
	if _, err := fmt.Fprintf(w, "# %s (%s)\n", title, data.SessionID); err != nil {
		return err
	}
	for _, raw := range data.Messages {
		var msg struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		var content string
		if json.Unmarshal(msg.Content, &content) != nil {
			content = string(msg.Content)
		}
		if _, err := fmt.Fprintf(w, "\n[%s]\n%s\n", msg.Role, strings.TrimRight(content, "\n")); err != nil {
			return err
		}
	}
	return nil
}
