package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyird/iot-manager-sub001/internal/cli/output"
	"github.com/hyird/iot-manager-sub001/internal/config"
	"github.com/hyird/iot-manager-sub001/internal/store"
)

var (
	linksOutput string
	linksAddr   string
)

var linksCmd = &cobra.Command{
	Use:   "links",
	Short: "List configured links",
	Long: `List every configured link from the gateway's database, annotated with
live connection status fetched from a running gateway's HTTP API when
reachable.

Examples:
  sl651gw links
  sl651gw links --output json`,
	RunE: runLinks,
}

func init() {
	linksCmd.Flags().StringVar(&linksAddr, "addr", "localhost:8080", "gateway HTTP address for live status")
	linksCmd.Flags().StringVarP(&linksOutput, "output", "o", "table", "output format (table|json|yaml)")
}

type linkRow struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	Mode       string `json:"mode" yaml:"mode"`
	Addr       string `json:"addr" yaml:"addr"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ConnStatus string `json:"conn_status" yaml:"conn_status"`
}

type linkTable []linkRow

func (rows linkTable) Headers() []string {
	return []string{"ID", "Name", "Mode", "Addr", "Enabled", "Status"}
}

func (rows linkTable) Rows() [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{
			r.ID, r.Name, r.Mode, r.Addr, strconv.FormatBool(r.Enabled), r.ConnStatus,
		})
	}
	return out
}

func runLinks(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(linksOutput)
	if err != nil {
		return err
	}

	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	st, err := store.Open(store.Config{
		Type:         store.DatabaseType(cfg.Database.Type),
		SQLitePath:   cfg.Database.SQLitePath,
		PostgresDSN:  cfg.Database.PostgresDSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	links, err := st.ListLinks(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list links: %w", err)
	}

	liveStatus := fetchLiveStatus(linksAddr)

	rows := make(linkTable, 0, len(links))
	for _, lk := range links {
		status := "unknown"
		if s, ok := liveStatus[lk.ID]; ok {
			status = s
		}
		rows = append(rows, linkRow{
			ID:         lk.ID,
			Name:       lk.Name,
			Mode:       lk.Mode,
			Addr:       fmt.Sprintf("%s:%d", lk.IP, lk.Port),
			Enabled:    lk.Enabled,
			ConnStatus: status,
		})
	}

	return output.Print(os.Stdout, format, rows)
}

// fetchLiveStatus queries a running gateway's /links endpoint for
// connection status; it returns an empty map (not an error) when the
// gateway isn't reachable, since links can be listed from the store alone.
func fetchLiveStatus(addr string) map[string]string {
	result := make(map[string]string)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/links", addr))
	if err != nil {
		return result
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Links []struct {
			LinkID     string `json:"link_id"`
			ConnStatus string `json:"conn_status"`
		} `json:"links"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return result
	}
	for _, l := range body.Links {
		result[l.LinkID] = l.ConnStatus
	}
	return result
}
