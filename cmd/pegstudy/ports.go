package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"

	"github.com/loykin/pegstudy/internal/channel/serial"
)

type portLister = serial.Lister

func createPortsCommand(list portLister) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Long: `List the serial ports the canetroller could use. The port marked
"auto" is the one picked when [canetroller] port = "auto".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := list()
			if err != nil {
				return fmt.Errorf("list ports: %w", err)
			}
			auto, _ := serial.Discover(func() ([]*enumerator.PortDetails, error) { return ports, nil })
			return printPorts(cmd.OutOrStdout(), ports, auto)
		},
	}
}

func printPorts(w io.Writer, ports []*enumerator.PortDetails, auto string) error {
	if len(ports) == 0 {
		_, err := fmt.Fprintln(w, "no serial ports found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PORT\tUSB\tVID:PID\tSERIAL\tPRODUCT\t")
	for _, p := range ports {
		mark := ""
		if p.Name == auto {
			mark = "auto"
		}
		ids := "-"
		if p.IsUSB {
			ids = p.VID + ":" + p.PID
		}
		_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\t%s\n", p.Name, p.IsUSB, ids, valOr(p.SerialNumber), valOr(p.Product), mark)
	}
	return tw.Flush()
}

func valOr(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
