/**
 * CONTEXT:   shepherdctl, a read-only debug client against the shepherdd control socket
 * INPUT:     CLI subcommands (state, entries, health) and --socket
 * OUTPUT:    Colored/tabular rendering of the daemon's current state for an operator
 * BUSINESS:  Exercises the same IPC boundary real clients use, issuing only Observer-allowed commands
 * CHANGE:    Initial implementation
 * RISK:      Low - read-only; it cannot Launch, StopCurrent or ReloadConfig
 */

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/parentkiosk/shepherdd/internal/config"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	dimColor     = color.New(color.FgHiBlack)
)

var flagSocketPath string

var rootCmd = &cobra.Command{
	Use:   "shepherdctl",
	Short: "Inspect a running shepherdd over its control socket",
	Long: `shepherdctl is a read-only debug client for shepherdd.

It speaks the same NDJSON protocol real Admin/Shell clients use. The
daemon assigns its role from the peer uid like any other client, but
shepherdctl only sends the read-only commands the Observer role
allows: it can read state, list entries and check health, never launch
or stop a session or reload policy.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagSocketPath, "socket", "", "control socket path (default: shepherdd's configured default)")
	rootCmd.AddCommand(stateCmd, entriesCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		errorColor.Fprintf(os.Stderr, "shepherdctl: %v\n", err)
		os.Exit(1)
	}
}

func socketPath() string {
	if flagSocketPath != "" {
		return flagSocketPath
	}
	return config.Default().SocketPath
}

// client is a minimal request/response NDJSON client over the control
// socket, mirroring internal/ipc/protocol.go's wire shapes without
// importing that package's server-side machinery.
type client struct {
	conn   net.Conn
	reader *bufio.Scanner
	nextID int
}

func dial() (*client, error) {
	conn, err := net.DialTimeout("unix", socketPath(), 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath(), err)
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return &client{conn: conn, reader: sc}, nil
}

func (c *client) close() { c.conn.Close() }

type requestFrame struct {
	Type    string         `json:"type"`
	ID      int            `json:"id"`
	Command map[string]any `json:"command"`
}

type responseFrame struct {
	Type    string          `json:"type"`
	ID      int             `json:"id"`
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *client) call(kind string, extra map[string]any, out any) error {
	c.nextID++
	cmd := map[string]any{"kind": kind}
	for k, v := range extra {
		cmd[k] = v
	}
	req := requestFrame{Type: "request", ID: c.nextID, Command: cmd}

	enc := json.NewEncoder(c.conn)
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		return fmt.Errorf("connection closed before a response arrived")
	}

	var resp responseFrame
	if err := json.Unmarshal(c.reader.Bytes(), &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.Success {
		if resp.Error != nil {
			return fmt.Errorf("%s: %s", resp.Error.Kind, resp.Error.Message)
		}
		return fmt.Errorf("request failed")
	}
	if out != nil && len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	return nil
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the current session, if any",
	RunE:  runState,
}

type sessionPayload struct {
	SessionID     string `json:"session_id"`
	EntryID       string `json:"entry_id"`
	State         string `json:"state"`
	RemainingSecs int64  `json:"remaining_secs"`
}

type statePayload struct {
	Session *sessionPayload `json:"session,omitempty"`
}

func runState(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.close()

	var out statePayload
	if err := c.call("get_state", nil, &out); err != nil {
		return err
	}

	if out.Session == nil {
		dimColor.Println("idle: no session running")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetBorder(false)
	table.SetRowSeparator(" ")
	table.Append([]string{"Session ID:", out.Session.SessionID})
	table.Append([]string{"Entry ID:", out.Session.EntryID})
	table.Append([]string{"State:", out.Session.State})
	table.Append([]string{"Remaining:", (time.Duration(out.Session.RemainingSecs) * time.Second).String()})
	table.Render()
	return nil
}

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List policy entries and why each is or isn't launchable right now",
	RunE:  runEntries,
}

type reasonPayload struct {
	Kind          string `json:"kind"`
	ActiveEntryID string `json:"entry_id,omitempty"`
	RemainingSecs int64  `json:"remaining_secs,omitempty"`
}

type entryViewPayload struct {
	EntryID            string          `json:"entry_id"`
	Enabled            bool            `json:"enabled"`
	Reasons            []reasonPayload `json:"reasons"`
	MaxRunIfStartedNow *int64          `json:"max_run_if_started_now_secs,omitempty"`
}

func runEntries(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.close()

	var out []entryViewPayload
	if err := c.call("list_entries", nil, &out); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Entry", "Enabled", "Max Run Now", "Reasons"})
	for _, e := range out {
		maxRun := "-"
		if e.MaxRunIfStartedNow != nil {
			maxRun = (time.Duration(*e.MaxRunIfStartedNow) * time.Second).String()
		}
		reasons := ""
		for i, r := range e.Reasons {
			if i > 0 {
				reasons += ", "
			}
			reasons += r.Kind
		}
		enabled := "no"
		if e.Enabled {
			enabled = "yes"
		}
		table.Append([]string{e.EntryID, enabled, maxRun, reasons})
	}
	table.Render()
	return nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health over the control socket",
	RunE:  runHealth,
}

type healthPayload struct {
	Healthy    bool  `json:"healthy"`
	UptimeSecs int64 `json:"uptime_secs"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		errorColor.Printf("shepherdd: unreachable (%v)\n", err)
		return nil
	}
	defer c.close()

	var out healthPayload
	if err := c.call("get_health", nil, &out); err != nil {
		return err
	}

	if out.Healthy {
		successColor.Printf("shepherdd: healthy (uptime %s)\n", (time.Duration(out.UptimeSecs) * time.Second).String())
	} else {
		errorColor.Println("shepherdd: unhealthy")
	}
	return nil
}
