package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/spf13/cobra"

	"dataq-logger/internal/modbus"
)

var (
	peekAddr   string
	peekDevice int
	peekWatch  time.Duration
)

var peekCmd = &cobra.Command{
	Use:   "peek",
	Short: "Read a device's latest values from a running logger over Modbus TCP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := modbus.BlockAddress(peekDevice)
		if err != nil {
			return err
		}

		h := gomodbus.NewTCPClientHandler(peekAddr)
		h.Timeout = 3 * time.Second
		h.SlaveId = 1
		if err := h.Connect(); err != nil {
			return fmt.Errorf("connect %s: %w", peekAddr, err)
		}
		defer h.Close()
		client := gomodbus.NewClient(h)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		for {
			payload, err := client.ReadInputRegisters(base, modbus.BlockSize)
			if err != nil {
				return fmt.Errorf("read device %d: %w", peekDevice, err)
			}
			b, err := modbus.DecodeBlock(modbus.Registers(payload))
			switch {
			case errors.Is(err, modbus.ErrEmptyBlock):
				fmt.Fprintf(cmd.OutOrStdout(), "device %d: no reading yet\n", peekDevice)
			case err != nil:
				return err
			default:
				vals := make([]string, len(b.Values))
				for i, v := range b.Values {
					vals[i] = fmt.Sprintf("%d=%.4f", i, v)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s device %d %s\n", b.Timestamp.Format(time.RFC3339), peekDevice, strings.Join(vals, " "))
			}

			if peekWatch <= 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(peekWatch):
			}
		}
	},
}

func init() {
	peekCmd.Flags().StringVar(&peekAddr, "addr", "localhost:1502", "Modbus TCP address of the logger")
	peekCmd.Flags().IntVarP(&peekDevice, "device", "d", 1, "device id to read")
	peekCmd.Flags().DurationVarP(&peekWatch, "watch", "w", 0, "repeat at this interval until interrupted")
}
