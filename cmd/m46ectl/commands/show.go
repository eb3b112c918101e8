package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/m46e-project/m46ed/internal/admin"
	"github.com/m46e-project/m46ed/internal/pmtu"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show m46ed daemon state",
	}
	cmd.AddCommand(showRouteCmd())
	cmd.AddCommand(showPMTUCmd())
	return cmd
}

func showRouteCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "route {v4|v6}",
		Short:     "Show the IPv4 stub or IPv6 backbone route table",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"v4", "v6"},
		RunE: func(_ *cobra.Command, args []string) error {
			if args[0] != "v4" && args[0] != "v6" {
				return fmt.Errorf("unknown family %q, want v4 or v6", args[0])
			}
			var dump admin.RouteDump
			if err := getJSON("/v1/routes/"+args[0], &dump); err != nil {
				return err
			}
			out, err := formatRoutes(dump, outputFormat)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func showPMTUCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pmtu",
		Short: "Show the PMTU cache",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var snaps []pmtu.Snapshot
			if err := getJSON("/v1/pmtu", &snaps); err != nil {
				return err
			}
			out, err := formatPMTU(snaps, outputFormat)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func formatRoutes(dump admin.RouteDump, format string) (string, error) {
	switch format {
	case formatJSON:
		b, err := json.MarshalIndent(dump, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal routes: %w", err)
		}
		return string(b), nil
	case formatTable:
		var buf strings.Builder
		fmt.Fprintf(&buf, "max = %d\n", dump.Max)
		fmt.Fprintf(&buf, "num = %d\n", dump.Num)
		for _, dev := range dump.Devices {
			fmt.Fprintf(&buf, "device = %s\n", dev)
		}

		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SYNC\tTYPE\tDST\tGATEWAY\tSRC\tPRIO\tDEVICE")
		for _, r := range dump.Routes {
			flag := ""
			if r.Sync {
				flag = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s/%d\t%s\t%s\t%d\t%s\n",
				flag, r.Type, r.Dst, r.PrefixLen, r.Gateway, r.Src, r.Priority, r.Device)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush table: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatPMTU(snaps []pmtu.Snapshot, format string) (string, error) {
	switch format {
	case formatJSON:
		b, err := json.MarshalIndent(snaps, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal pmtu: %w", err)
		}
		return string(b), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tMTU\tREMAINING")
		for _, s := range snaps {
			remaining := fmt.Sprintf("%d", s.RemainingSecs)
			if s.RemainingSecs < 0 {
				remaining = "-1"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", s.Key, s.MTU, remaining)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush table: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

const (
	formatJSON  = "json"
	formatTable = "table"
)
