package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zoobzio/stagez"
)

var stagesFlags struct {
	stages string
	yaml   bool
}

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Print the effective stage table",
	Long:  "Print the stage table an order would use, from a stage file or the built-in delivery stages.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadStageConfig(stagesFlags.stages, stagez.DeliveryStages())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if stagesFlags.yaml {
			data, err := marshalStageConfig(cfg)
			if err != nil {
				return err
			}
			_, err = out.Write(data)
			return err
		}

		fmt.Fprintf(out, "Source: %s (failures %s)\n\n", cfg.Source, onOff(cfg.Failures))
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tSTAGE\tP\tLATENCY\tSUCCESS\tFAILURE")
		for i, s := range cfg.Stages {
			latency := s.MinLatency.String()
			if s.MaxLatency != s.MinLatency {
				latency = fmt.Sprintf("%s-%s", s.MinLatency, s.MaxLatency)
			}
			fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\t%s\t%s\n", i+1, s.Name, s.FailureRate, latency, s.SuccessLabel, s.FailureLabel)
		}
		return w.Flush()
	},
}

func init() {
	stagesCmd.Flags().StringVar(&stagesFlags.stages, "stages", "", "YAML stage file (default: built-in delivery stages)")
	stagesCmd.Flags().BoolVar(&stagesFlags.yaml, "yaml", false, "print in stage file format")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
