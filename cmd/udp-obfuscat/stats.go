package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/udp-obfuscat/internal/config"
	"github.com/postalsys/udp-obfuscat/internal/flow"
	"github.com/postalsys/udp-obfuscat/internal/relay"
)

// statsTimeout bounds each HTTP request of the stats command.
const statsTimeout = 5 * time.Second

const metricPrefix = "udp_obfuscat_"

func statsCmd() *cobra.Command {
	var (
		configPath string
		address    string
		showFlows  bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show statistics of a running relay",
		Long: `Fetch counters from the health server of a running relay.

The address is taken from --address, or from health.address of the
configuration given with --config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				if !cfg.Health.Enabled {
					return fmt.Errorf("health server is disabled in %s", configPath)
				}
				address = cfg.Health.Address
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), statsTimeout)
			defer cancel()

			client := &http.Client{Timeout: statsTimeout}
			base := "http://" + address

			families, err := fetchMetrics(ctx, client, base+"/metrics")
			if err != nil {
				return err
			}

			styled := term.IsTerminal(int(os.Stdout.Fd()))
			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderSummary(address, summarize(families), styled))

			if showFlows {
				flows, err := fetchFlows(ctx, client, base+"/flows")
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, renderFlows(flows, time.Now()))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./udp-obfuscat.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&address, "address", "a", "", "Health server address (host:port)")
	cmd.Flags().BoolVarP(&showFlows, "flows", "f", false, "Also list live flows")

	return cmd
}

func get(ctx context.Context, client *http.Client, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	return resp.Body, nil
}

// fetchMetrics reads the Prometheus text exposition at url.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	body, err := get(ctx, client, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(body)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}
	return families, nil
}

func fetchFlows(ctx context.Context, client *http.Client, url string) ([]flow.Info, error) {
	body, err := get(ctx, client, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp struct {
		Flows []flow.Info `json:"flows"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode flows: %w", err)
	}
	return resp.Flows, nil
}

// summary holds the relay counters extracted from a metrics scrape.
type summary struct {
	Listeners    float64
	ActiveFlows  float64
	FlowsCreated float64
	Evicted      map[string]float64
	Datagrams    map[string]float64
	Bytes        map[string]float64
	Drops        map[string]float64
}

func summarize(families map[string]*dto.MetricFamily) summary {
	s := summary{
		Evicted:   make(map[string]float64),
		Datagrams: make(map[string]float64),
		Bytes:     make(map[string]float64),
		Drops:     make(map[string]float64),
	}

	for name, mf := range families {
		if !strings.HasPrefix(name, metricPrefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			v := metricValue(m)
			switch strings.TrimPrefix(name, metricPrefix) {
			case "listeners":
				s.Listeners = v
			case "flows_active":
				s.ActiveFlows = v
			case "flows_created_total":
				s.FlowsCreated += v
			case "flows_evicted_total":
				s.Evicted[label(m, "reason")] += v
			case "datagrams_total":
				s.Datagrams[label(m, "direction")] += v
			case "bytes_total":
				s.Bytes[label(m, "direction")] += v
			case "drops_total":
				s.Drops[label(m, "reason")] += v
			}
		}
	}
	return s
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	}
	return 0
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func renderSummary(address string, s summary, styled bool) string {
	title := func(v string) string { return v }
	key := func(v string) string { return v }
	if styled {
		titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
		keyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
		title = func(v string) string { return titleStyle.Render(v) }
		key = func(v string) string { return keyStyle.Render(v) }
	}

	var b strings.Builder
	line := func(k, v string) {
		fmt.Fprintf(&b, "  %s %s\n", key(fmt.Sprintf("%-15s", k+":")), v)
	}

	fmt.Fprintf(&b, "%s\n", title("udp-obfuscat relay at "+address))
	line("Listeners", count(s.Listeners))
	line("Active flows", count(s.ActiveFlows))
	line("Flows created", count(s.FlowsCreated))
	line("Flows evicted", withBreakdown(s.Evicted))
	line("To remote", traffic(s.Datagrams[relay.DirectionToRemote], s.Bytes[relay.DirectionToRemote]))
	line("To client", traffic(s.Datagrams[relay.DirectionToClient], s.Bytes[relay.DirectionToClient]))
	line("Dropped", withBreakdown(s.Drops))
	return b.String()
}

func count(v float64) string {
	return humanize.Comma(int64(v))
}

func traffic(datagrams, bytes float64) string {
	return fmt.Sprintf("%s datagrams, %s", count(datagrams), humanize.Bytes(uint64(bytes)))
}

// withBreakdown renders a total followed by its non-zero parts in key order.
func withBreakdown(parts map[string]float64) string {
	var total float64
	keys := make([]string, 0, len(parts))
	for k, v := range parts {
		total += v
		if v > 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return count(total)
	}
	sort.Strings(keys)

	detail := make([]string, 0, len(keys))
	for _, k := range keys {
		detail = append(detail, k+" "+count(parts[k]))
	}
	return fmt.Sprintf("%s (%s)", count(total), strings.Join(detail, ", "))
}

func renderFlows(flows []flow.Info, now time.Time) string {
	if len(flows) == 0 {
		return "no live flows"
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "LISTENER", "CLIENT", "STATE", "IN", "OUT", "BYTES", "LAST SEEN")

	for _, f := range flows {
		t.Row(
			f.ID.String(),
			strconv.Itoa(f.Listener),
			f.Client,
			f.State,
			humanize.Comma(int64(f.PacketsIn)),
			humanize.Comma(int64(f.PacketsOut)),
			humanize.Bytes(f.BytesIn+f.BytesOut),
			humanize.RelTime(f.LastSeen, now, "ago", "from now"),
		)
	}
	return t.Render()
}
