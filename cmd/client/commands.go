package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/omochice/pairchat/internal/api"
	"github.com/omochice/pairchat/internal/transcript"
	"github.com/omochice/pairchat/pkg/protocol"
)

func newUsersCmd(a *app) *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List the users you can chat with",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.New(a.cfg.Server.URL, api.WithLogger(a.logger))
			if err != nil {
				return err
			}
			me, err := protocol.ParseUserID(as)
			if err != nil {
				return err
			}
			users, err := client.Directory(cmd.Context(), me)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\t\tUSERNAME\tROLE")
			for _, u := range users {
				role := "-"
				if u.Profile != nil {
					role = u.Profile.Role.String()
				}
				marker := ""
				if u.ID == me {
					marker = " (you)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s%s\t%s\n", u.ID, u.Initial(), u.Username, marker, role)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "Local user id")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

func newTranscriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Inspect saved transcripts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show FILE",
		Short: "Print a transcript written by chat --transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			h, entries, err := transcript.Read(f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "conversation %s -> %s, exported %s\n", h.Local, h.Remote, h.ExportedAt.Format("2006-01-02 15:04:05"))
			for _, msg := range entries {
				if msg.IsError {
					fmt.Fprintf(out, "%s  ! %s\n", msg.Timestamp, msg.Content)
					continue
				}
				fmt.Fprintf(out, "%s  #%s -> #%s: %s\n", msg.Timestamp, msg.Sender, msg.Receiver, msg.Content)
			}
			return nil
		},
	})
	return cmd
}
