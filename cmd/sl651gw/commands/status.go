package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyird/iot-manager-sub001/internal/cli/output"
)

var (
	statusOutput string
	statusAddr   string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long: `Display the current status of a running gateway by calling its
/healthz endpoint.

Examples:
  sl651gw status
  sl651gw status --addr localhost:9080
  sl651gw status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "localhost:8080", "gateway HTTP address")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "output format (table|json|yaml)")
}

type serverStatus struct {
	Running bool   `json:"running" yaml:"running"`
	Healthy bool   `json:"healthy" yaml:"healthy"`
	Message string `json:"message" yaml:"message"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	status := serverStatus{Message: "gateway is not reachable"}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/healthz", statusAddr))
	if err == nil {
		defer func() { _ = resp.Body.Close() }()
		var body map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body["status"] == "ok" {
			status.Running = true
			status.Healthy = true
			status.Message = "gateway is running and healthy"
		} else {
			status.Running = true
			status.Message = "gateway responded but health payload was unexpected"
		}
	}

	if format != output.FormatTable {
		return output.Print(os.Stdout, format, status)
	}
	return printStatusTable(status)
}

func printStatusTable(status serverStatus) error {
	state := "stopped"
	if status.Running && status.Healthy {
		state = "running"
	} else if status.Running {
		state = "running (unhealthy)"
	}
	return output.SimpleTable(os.Stdout, [][2]string{
		{"Status", state},
		{"Address", statusAddr},
		{"Detail", status.Message},
	})
}
