package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/room4-2/frontdesk/callstate"
	"github.com/room4-2/frontdesk/events"
	"github.com/room4-2/frontdesk/flow"
	"github.com/room4-2/frontdesk/slots"
	"github.com/room4-2/frontdesk/tenant"
	"github.com/room4-2/frontdesk/turn"
)

var (
	replayCallerID   string
	replayShowEvents bool
	replayJSON       bool
	replayNow        string
)

var replayCmd = &cobra.Command{
	Use:   "replay [transcript]",
	Short: "Replay a transcript, one caller utterance per line",
	Long: `Replays a transcript through the engine with in-memory call state.
Blank lines and lines starting with # are ignored. Reads stdin when the
transcript is "-" or omitted. Automatic replies use the pattern tier only.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayCallerID, "caller-id", "", "Caller phone number used to prefill the phone slot")
	replayCmd.Flags().BoolVar(&replayShowEvents, "events", false, "Print each turn's events")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print one JSON object per turn")
	replayCmd.Flags().StringVar(&replayNow, "now", "", "Fixed RFC 3339 clock for reproducible output")
}

type replayOptions struct {
	CallerID   string
	ShowEvents bool
	JSON       bool
	Now        func() time.Time
	Logger     *zap.Logger
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadTenant(cmd)
	if err != nil {
		return err
	}
	now, err := clock(replayNow)
	if err != nil {
		return err
	}

	in := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		defer f.Close()
		in = f
	}

	return replayTranscript(cmd.Context(), cfg, in, cmd.OutOrStdout(), replayOptions{
		CallerID:   replayCallerID,
		ShowEvents: replayShowEvents,
		JSON:       replayJSON,
		Now:        now,
		Logger:     newLogger(),
	})
}

type turnRecord struct {
	Turn      int            `json:"turn"`
	Caller    string         `json:"caller"`
	Response  string         `json:"response"`
	Owner     string         `json:"owner"`
	Reason    string         `json:"reason"`
	Lane      string         `json:"lane"`
	Completed bool           `json:"completed,omitempty"`
	Escalated bool           `json:"escalated,omitempty"`
	Events    []events.Event `json:"events,omitempty"`
}

// replayTranscript runs every utterance in r through a fresh call and writes
// the conversation to w.
func replayTranscript(ctx context.Context, cfg *tenant.CompanyConfig, r io.Reader, w io.Writer, opts replayOptions) error {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	orch := turn.New(turn.Options{Logger: opts.Logger, Now: opts.Now})
	st := callstate.New("replay", cfg.TenantID, opts.Now())
	if opts.CallerID != "" {
		slots.Prefill(st, cfg.Registry(), tenant.SlotIDPhone, opts.CallerID, nil)
	}

	if !opts.JSON {
		fmt.Fprintf(w, "agent: %s\n", flow.Render(cfg.Greeting, flow.Vars(cfg, st)))
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out := orch.ProcessTurn(ctx, cfg, st, turn.Input{Utterance: line})

		if opts.JSON {
			rec := turnRecord{
				Turn:      out.Turn,
				Caller:    line,
				Response:  out.Response,
				Owner:     out.Owner,
				Reason:    out.Reason,
				Lane:      string(out.Lane),
				Completed: out.Completed,
				Escalated: out.Escalated,
			}
			if opts.ShowEvents {
				rec.Events = out.Events
			}
			data, err := sonic.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode turn %d: %w", out.Turn, err)
			}
			fmt.Fprintln(w, string(data))
			continue
		}

		fmt.Fprintf(w, "caller: %s\n", line)
		fmt.Fprintf(w, "agent [%s, %s]: %s\n", out.Owner, out.Lane, out.Response)
		if opts.ShowEvents {
			for _, e := range out.Events {
				marker := " "
				if e.Critical {
					marker = "!"
				}
				data, _ := sonic.MarshalString(e.Data)
				fmt.Fprintf(w, "  %s %s %s\n", marker, e.Type, data)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	return nil
}
