package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/geeluba/ai-blending-control-demo/internal/ble"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for projectors advertising the blending service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log, err := ctx.logger()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			radio, closeRadio, err := openRadio(cfg, log)
			if err != nil {
				return err
			}
			defer closeRadio() //nolint:errcheck

			l := ble.New(radio, ble.Options{
				ServiceUUID: cfg.Bluetooth.ServiceUUID,
				Freshness:   duration + cfg.Bluetooth.Freshness(),
			}, log.Named("ble"))
			defer l.Release() //nolint:errcheck

			if err := l.StartScan(); err != nil {
				return err
			}
			select {
			case <-cmd.Context().Done():
			case <-time.After(duration):
			}
			l.StopScan() //nolint:errcheck

			records := l.ScanResults()
			sort.Slice(records, func(i, j int) bool { return records[i].RSSI > records[j].RSSI })

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No projectors found")
				return nil
			}
			rows := make([][]string, 0, len(records))
			for _, r := range records {
				name := r.Name
				if name == "" {
					name = "-"
				}
				rows = append(rows, []string{r.Address, name, strconv.Itoa(int(r.RSSI)), r.LastSeen.Local().Format("15:04:05")})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Address", "Name", "RSSI", "Last Seen"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "How long to scan")
	return cmd
}
