package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/geeluba/ai-blending-control-demo/internal/store"
)

const maxPayloadColumn = 60

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		limit int
		links bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled messages or link transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if links {
				evs, err := db.ListLinkEvents(limit)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(evs))
				for _, e := range evs {
					rows = append(rows, []string{strconv.FormatInt(e.ID, 10), e.At.Local().Format("2006-01-02 15:04:05"), e.Link, e.State, e.Peer})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "At", "Link", "State", "Peer"},
					rows,
					[]columnAlignment{alignRight},
				))
				return nil
			}

			msgs, err := db.ListMessages(limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(msgs))
			for _, m := range msgs {
				rows = append(rows, []string{
					strconv.FormatInt(m.ID, 10),
					m.At.Local().Format("2006-01-02 15:04:05"),
					m.Link,
					m.Direction,
					m.Type,
					truncate(m.Payload, maxPayloadColumn),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "At", "Link", "Dir", "Type", "Payload"},
				rows,
				[]columnAlignment{alignRight},
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of rows to show")
	cmd.Flags().BoolVar(&links, "links", false, "Show link state transitions instead of messages")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
