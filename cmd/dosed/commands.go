package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/noahxzhu/dose-reminder/internal/dose"
	"github.com/noahxzhu/dose-reminder/internal/escalation"
	"github.com/noahxzhu/dose-reminder/internal/model"
	"github.com/noahxzhu/dose-reminder/internal/telephony"
	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show today's dose status per medicine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loc, err := a.cfg.Reminder.Location()
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			now := time.Now().In(loc)
			user := a.cfg.Reminder.UserID
			meds, err := store.FindActiveMedicines(ctx, user)
			if err != nil {
				return err
			}
			logs, err := store.FindDoseLogs(ctx, user, now.Format(model.DateLayout))
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MEDICINE\tSTATUS\tSLOTS\tSTREAK\tLEFT")
			for _, med := range meds {
				st := dose.Resolve(med, logs, now)
				slots := make([]string, 0, len(st.Slots))
				for _, s := range st.Slots {
					slots = append(slots, s.Time+"="+string(s.Status))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", med.Name, st.Status, strings.Join(slots, " "), med.MissedStreak, med.RemainingQuantity)
			}
			return tw.Flush()
		},
	}
}

func newMedicineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "medicine",
		Short: "Manage medicines",
	}

	var m model.Medicine
	var times []string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a medicine with its daily schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(m.Name) == "" {
				return fmt.Errorf("--name is required")
			}
			if len(times) == 0 {
				return fmt.Errorf("--times is required")
			}
			for _, t := range times {
				if _, err := time.Parse(model.TimeLayout, t); err != nil {
					return fmt.Errorf("invalid time %q, want HH:MM", t)
				}
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			m.UserID = a.cfg.Reminder.UserID
			m.ScheduledTimes = times
			m.Active = true
			m.RemainingQuantity = m.TotalQuantity
			created, err := store.CreateMedicine(cmd.Context(), m)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s) at %s\n", created.Name, created.ID, strings.Join(created.ScheduledTimes, ", "))
			return nil
		},
	}
	add.Flags().StringVar(&m.Name, "name", "", "medicine name")
	add.Flags().StringVar(&m.Dosage, "dosage", "", "dosage, e.g. 500mg")
	add.Flags().StringVar(&m.Frequency, "frequency", "daily", "frequency label")
	add.Flags().StringSliceVar(&times, "times", nil, "scheduled times as HH:MM, comma separated")
	add.Flags().IntVar(&m.TotalQuantity, "quantity", 0, "number of doses on hand")

	list := &cobra.Command{
		Use:   "list",
		Short: "List medicines, including inactive ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			meds, err := store.ListMedicines(cmd.Context(), a.cfg.Reminder.UserID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tDOSAGE\tTIMES\tACTIVE")
			for _, med := range meds {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", med.ID, med.Name, med.Dosage, strings.Join(med.ScheduledTimes, ","), med.Active)
			}
			return tw.Flush()
		},
	}

	deactivate := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Stop reminding about a medicine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.DeactivateMedicine(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, list, deactivate)
	return cmd
}

func newGuardianCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guardian",
		Short: "Manage the guardian contact",
	}
	var g model.Guardian
	set := &cobra.Command{
		Use:   "set",
		Short: "Set the guardian called on escalation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(g.Phone) == "" {
				return fmt.Errorf("--phone is required")
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			g.UserID = a.cfg.Reminder.UserID
			if err := store.UpsertGuardian(cmd.Context(), g); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Guardian %s set to %s\n", g.Name, telephony.MaskPhone(g.Phone))
			fmt.Fprintln(cmd.OutOrStdout(), "A running server uses the new contact within 5 minutes; PUT /guardian applies it at once.")
			return nil
		},
	}
	set.Flags().StringVar(&g.Name, "name", "", "guardian name")
	set.Flags().StringVar(&g.Phone, "phone", "", "guardian phone in E.164, e.g. +919876543210")
	cmd.AddCommand(set)
	return cmd
}

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the patient profile",
	}
	var name string
	set := &cobra.Command{
		Use:   "set",
		Short: "Set the patient name spoken in guardian calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.UpsertUser(cmd.Context(), model.User{ID: a.cfg.Reminder.UserID, Name: name}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s is %s\n", a.cfg.Reminder.UserID, name)
			return nil
		},
	}
	set.Flags().StringVar(&name, "name", "", "patient name")
	cmd.AddCommand(set)
	return cmd
}

func newCallTestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "call-test",
		Short: "Place a test call to the guardian",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			d := escalation.NewDispatcher(store, newTelephonyClient(a.cfg.Telephony), escalation.Config{
				FromNumber: a.cfg.Telephony.FromNumber,
			})
			out := d.TestCall(cmd.Context(), a.cfg.Reminder.UserID)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if !out.Success {
				return fmt.Errorf("test call failed: %s", out.Error)
			}
			return nil
		},
	}
}
