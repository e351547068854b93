package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evalpipe/internal/scheduler"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

var (
	scheduleName        string
	scheduleDescription string
	scheduleFrequency   string
	scheduleCron        string
	scheduleCases       string
	scheduleThreshold   float64
	scheduleAlert       bool
	scheduleWebhook     string
	scheduleEnabled     bool
	scheduleJSON        bool
	scheduleNow         string
)

// scheduleCmd groups the recurring batch run commands
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring batch runs",
	Long: `Schedules are stored definitions; nothing runs in the background. Point
cron or a systemd timer at "evalpipe schedule run-due" to trigger them.`,
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		in := scheduler.Input{
			Name:           scheduleName,
			Description:    scheduleDescription,
			Frequency:      scheduleFrequency,
			CronExpression: scheduleCron,
			TestCaseIDs:    splitList(scheduleCases),
			AlertWebhook:   scheduleWebhook,
		}
		f := cmd.Flags()
		if f.Changed("threshold") {
			in.AlertThreshold = &scheduleThreshold
		}
		if f.Changed("alert") {
			in.AlertOnRegression = &scheduleAlert
		}
		if f.Changed("enabled") {
			in.Enabled = &scheduleEnabled
		}
		sc, err := newScheduler(nil).Create(cmd.Context(), in)
		if err != nil {
			return err
		}
		return printJSON(sc)
	},
}

var scheduleUpdateCmd = &cobra.Command{
	Use:   "update [id]",
	Short: "Change the flags given on the command line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p scheduler.Patch
		f := cmd.Flags()
		if f.Changed("name") {
			p.Name = &scheduleName
		}
		if f.Changed("description") {
			p.Description = &scheduleDescription
		}
		if f.Changed("frequency") {
			p.Frequency = &scheduleFrequency
		}
		if f.Changed("cron") {
			p.CronExpression = &scheduleCron
		}
		if f.Changed("cases") {
			ids := splitList(scheduleCases)
			p.TestCaseIDs = &ids
		}
		if f.Changed("threshold") {
			p.AlertThreshold = &scheduleThreshold
		}
		if f.Changed("alert") {
			p.AlertOnRegression = &scheduleAlert
		}
		if f.Changed("webhook") {
			p.AlertWebhook = &scheduleWebhook
		}
		if f.Changed("enabled") {
			p.Enabled = &scheduleEnabled
		}
		sc, err := newScheduler(nil).Update(cmd.Context(), args[0], p)
		if err != nil {
			return err
		}
		return printJSON(sc)
	},
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newScheduler(nil).Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, err := newScheduler(nil).List(cmd.Context())
		if err != nil {
			return err
		}
		if scheduleJSON {
			return printJSON(all)
		}
		printScheduleTable(all)
		return nil
	},
}

var scheduleRunDueCmd = &cobra.Command{
	Use:   "run-due",
	Short: "Trigger every enabled schedule whose next run is due",
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		if scheduleNow != "" {
			t, err := time.Parse(time.RFC3339, scheduleNow)
			if err != nil {
				return fmt.Errorf("parse --now: %w", err)
			}
			now = t
		}
		r, release, err := batchRunner()
		if err != nil {
			return err
		}
		defer release()

		out, err := newScheduler(r).RunDue(cmd.Context(), now)
		if perr := printJSON(out); perr != nil {
			return perr
		}
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{scheduleCreateCmd, scheduleUpdateCmd} {
		c.Flags().StringVar(&scheduleName, "name", "", "schedule name")
		c.Flags().StringVar(&scheduleDescription, "description", "", "free text")
		c.Flags().StringVar(&scheduleFrequency, "frequency", "", "daily, weekly or custom")
		c.Flags().StringVar(&scheduleCron, "cron", "", "cron expression (stored, not interpreted)")
		c.Flags().StringVar(&scheduleCases, "cases", "", "comma-separated test case ids (empty: all cases)")
		c.Flags().Float64Var(&scheduleThreshold, "threshold", 70, "alert below this pass rate")
		c.Flags().BoolVar(&scheduleAlert, "alert", true, "alert on regression")
		c.Flags().StringVar(&scheduleWebhook, "webhook", "", "alert webhook URL")
		c.Flags().BoolVar(&scheduleEnabled, "enabled", true, "schedule is active")
	}
	_ = scheduleCreateCmd.MarkFlagRequired("name")
	_ = scheduleCreateCmd.MarkFlagRequired("frequency")

	scheduleListCmd.Flags().BoolVar(&scheduleJSON, "json", false, "output as JSON")
	scheduleRunDueCmd.Flags().StringVar(&scheduleNow, "now", "", "sweep as of this RFC3339 time")

	scheduleCmd.AddCommand(scheduleCreateCmd, scheduleUpdateCmd, scheduleDeleteCmd, scheduleListCmd, scheduleRunDueCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func printScheduleTable(all []store.Schedule) {
	fmt.Printf("%-10s  %-24s  %-8s  %-7s  %9s  %s\n", "ID", "Name", "Freq", "Enabled", "Threshold", "Next Run")
	fmt.Printf("%-10s+-%-24s+-%-8s+-%-7s+-%9s+-%s\n", "----------", "------------------------", "--------", "-------", "---------", "--------------------")
	for _, sc := range all {
		fmt.Printf("%-10s  %-24s  %-8s  %-7v  %8.0f%%  %s\n",
			shortID(sc.ID), sc.Name, sc.Frequency, sc.Enabled, sc.AlertThreshold, sc.NextRunAt.Format("2006-01-02T15:04:05Z"))
	}
}
