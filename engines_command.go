package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/pi-docket/ConvertX-CN/config"
	"github.com/pi-docket/ConvertX-CN/engines"
	"github.com/pi-docket/ConvertX-CN/models"
)

func newEnginesCommand(configFlag *string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "engines",
		Short: "List the configured conversion engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFlag)
			if err != nil {
				return err
			}
			list, err := engines.LoadFile(cfg.EnginesFile)
			if err != nil {
				return err
			}
			t := engines.NewTable(list...)

			if format != "" {
				fmt.Fprintln(cmd.OutOrStdout(), renderTargets(t, format))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderEngines(t.List()))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "from", "", "Show the targets reachable from this input format")
	return cmd
}

func renderEngines(list []models.Engine) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Name", "Category", "Enabled", "Inputs", "Outputs"})
	for _, e := range list {
		tw.AppendRow(table.Row{
			e.ID,
			e.Name,
			e.Category,
			strconv.FormatBool(e.Enabled),
			len(e.InputFormats()),
			len(e.OutputFormats()),
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 6, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func renderTargets(t *engines.Table, from string) string {
	from = models.NormalizeFormat(from)
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("targets from ." + from)
	tw.AppendHeader(table.Row{"Engine", "Outputs"})
	for _, id := range t.IDs() {
		if outputs := t.OutputsFor(id, from); len(outputs) > 0 {
			tw.AppendRow(table.Row{id, strings.Join(outputs, ", ")})
		}
	}
	return tw.Render()
}
