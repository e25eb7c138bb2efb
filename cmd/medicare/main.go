package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"medicare/internal/app"
	"medicare/internal/config"
	"medicare/internal/util"
	"medicare/pkg/sharecode"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "medicare",
		Short:        "Medication reminder server and tools",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Path to config.yaml")

	root.AddCommand(serveCmd())
	root.AddCommand(patientsCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(importCmd())
	root.AddCommand(shareCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (config.FileConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.FileConfig{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openApp builds the core for one-shot commands. Logs go to stderr so
// stdout stays machine readable.
func openApp(cmd *cobra.Command) (*app.App, config.FileConfig, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, err
	}
	util.InitLoggerTo(os.Stderr, cfg.LogLevel)
	core, err := app.FromConfig(cmd.Context(), cfg)
	if err != nil {
		return nil, cfg, err
	}
	return core, cfg, nil
}

func patientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "Manage patients",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, _, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer core.Close()
			ctx := cmd.Context()
			patients, err := core.ListPatients(ctx)
			if err != nil {
				return err
			}
			current, _, err := core.CurrentPatient(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "  %-45s %-20s %s\n", "ID", "NAME", "LINE USER")
			for _, p := range patients {
				mark := " "
				if p.ID == current.ID {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %-45s %-20s %s\n", mark, p.ID, p.Name, p.LineUserID)
			}
			return nil
		},
	}
	cmd.AddCommand(listCmd)

	addCmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lineUserID, _ := cmd.Flags().GetString("line-user")
			selectIt, _ := cmd.Flags().GetBool("select")
			core, _, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer core.Close()
			p, err := core.AddPatient(cmd.Context(), args[0], lineUserID)
			if err != nil {
				return err
			}
			if selectIt {
				if err := core.SelectPatient(cmd.Context(), p.ID); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.ID)
			return nil
		},
	}
	addCmd.Flags().String("line-user", "", "LINE user id for push notification")
	addCmd.Flags().Bool("select", false, "Make the new patient current")
	cmd.AddCommand(addCmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a patient's reminders as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			outPath, _ := cmd.Flags().GetString("out")
			core, _, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer core.Close()
			data, err := core.Export(cmd.Context(), patient)
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			return os.WriteFile(outPath, data, 0o644)
		},
	}
	cmd.Flags().String("patient", app.CurrentPatient, "Patient id")
	cmd.Flags().String("out", "", "Output file (default stdout)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [FILE]",
		Short: "Replace a patient's reminders with an exported JSON file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			text, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			core, _, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer core.Close()
			list, err := core.Import(cmd.Context(), patient, text)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d reminders\n", len(list))
			return nil
		},
	}
	cmd.Flags().String("patient", app.CurrentPatient, "Patient id")
	return cmd
}

func shareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Encode or decode share codes",
	}

	encodeCmd := &cobra.Command{
		Use:   "encode",
		Short: "Print a patient's share code and magic link",
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			core, cfg, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer core.Close()
			base := strings.TrimRight(cfg.PublicBaseURL, "/")
			if base != "" {
				base += "/import"
			}
			code, link, err := core.ShareCode(cmd.Context(), patient, base)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, code)
			if link != "" {
				fmt.Fprintln(out, link)
			}
			return nil
		},
	}
	encodeCmd.Flags().String("patient", app.CurrentPatient, "Patient id")
	cmd.AddCommand(encodeCmd)

	decodeCmd := &cobra.Command{
		Use:   "decode [CODE]",
		Short: "Print the reminders in a share code, or import them with --apply",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apply, _ := cmd.Flags().GetBool("apply")
			patient, _ := cmd.Flags().GetString("patient")
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			code := strings.TrimSpace(string(raw))
			if !apply {
				list, err := sharecode.Decode(code)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			core, _, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer core.Close()
			list, err := core.ImportShareCode(cmd.Context(), patient, code)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d reminders\n", len(list))
			return nil
		},
	}
	decodeCmd.Flags().Bool("apply", false, "Replace the patient's reminders with the decoded list")
	decodeCmd.Flags().String("patient", app.CurrentPatient, "Patient id used with --apply")
	cmd.AddCommand(decodeCmd)
	return cmd
}

// readInput reads args[0] as a literal for share codes, a file for import,
// or stdin when no argument is given.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	if cmd.Name() == "decode" {
		return []byte(args[0]), nil
	}
	return os.ReadFile(args[0])
}
