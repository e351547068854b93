package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evalpipe/internal/quality"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

var (
	qualityLimit       int
	qualityJSON        bool
	qualityCaseID      string
	qualityPassed      bool
	qualityCatch       int
	qualityConsistency float64
)

// qualityCmd groups the test case quality commands
var qualityCmd = &cobra.Command{
	Use:   "quality",
	Short: "Score test cases by how useful they are",
}

var qualityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List test cases by descending quality score",
	RunE: func(cmd *cobra.Command, args []string) error {
		cases, sum, err := quality.NewService(db, logger).List(cmd.Context(), qualityLimit)
		if err != nil {
			return err
		}
		if qualityJSON {
			return printJSON(struct {
				TestCases []store.TestCase `json:"test_cases"`
				Summary   quality.Summary  `json:"summary"`
			}{cases, sum})
		}
		printQualityTable(cases)
		fmt.Printf("\n%d cases, %d high value, %d low value, average %.1f\n",
			sum.Total, sum.HighValue, sum.LowValue, sum.AverageQuality)
		return nil
	},
}

var qualityRecomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Rescore every test case, or one with --id",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := quality.NewService(db, logger)
		if qualityCaseID != "" {
			tc, err := svc.RecomputeOne(cmd.Context(), qualityCaseID)
			if err != nil {
				return err
			}
			return printJSON(tc)
		}
		n, err := svc.Recompute(cmd.Context())
		fmt.Printf("updated %d test cases\n", n)
		return err
	},
}

var qualityRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Fold one run outcome into a test case's stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		o := quality.Outcome{Passed: qualityPassed}
		if cmd.Flags().Changed("catch") {
			o.CatchCount = &qualityCatch
		}
		if cmd.Flags().Changed("consistency") {
			o.ConsistencyScore = &qualityConsistency
		}
		tc, err := quality.NewService(db, logger).Record(cmd.Context(), qualityCaseID, o)
		if err != nil {
			return err
		}
		return printJSON(tc)
	},
}

func init() {
	qualityListCmd.Flags().IntVar(&qualityLimit, "limit", 100, "max cases to list")
	qualityListCmd.Flags().BoolVar(&qualityJSON, "json", false, "output as JSON")

	qualityRecomputeCmd.Flags().StringVar(&qualityCaseID, "id", "", "rescore a single case")

	qualityRecordCmd.Flags().StringVar(&qualityCaseID, "id", "", "test case id")
	qualityRecordCmd.Flags().BoolVar(&qualityPassed, "passed", false, "the run passed")
	qualityRecordCmd.Flags().IntVar(&qualityCatch, "catch", 0, "regressions this case has caught")
	qualityRecordCmd.Flags().Float64Var(&qualityConsistency, "consistency", 0, "consistency score 0-100")
	_ = qualityRecordCmd.MarkFlagRequired("id")

	qualityCmd.AddCommand(qualityListCmd, qualityRecomputeCmd, qualityRecordCmd)
	rootCmd.AddCommand(qualityCmd)
}

func printQualityTable(cases []store.TestCase) {
	fmt.Printf("%-10s  %-32s  %8s  %6s  %6s  %6s\n", "ID", "Name", "Quality", "Runs", "Pass", "Catch")
	fmt.Printf("%-10s+-%-32s+-%8s+-%6s+-%6s+-%6s\n", "----------", "--------------------------------", "--------", "------", "------", "------")
	for _, tc := range cases {
		name := tc.Name
		if len(name) > 32 {
			name = name[:29] + "..."
		}
		fmt.Printf("%-10s  %-32s  %8.1f  %6d  %6d  %6d\n",
			shortID(tc.ID), name, tc.Stats.QualityScore, tc.Stats.RunCount, tc.Stats.PassCount, tc.Stats.CatchCount)
	}
}
