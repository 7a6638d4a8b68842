package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/josemorales956/dsn-base-station/pkg/payload"
)

func runEncodeCmd(args []string, stdout, stderr io.Writer) int {
	var (
		node, flags, ver uint8
		battery          uint16
		temp, humidity   float64
	)
	fs := pflag.NewFlagSet("encode", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Uint8Var(&node, "node", 0, "node id (required)")
	fs.Float64Var(&temp, "temp", 0, "temperature in degrees C")
	fs.Float64Var(&humidity, "humidity", 0, "relative humidity in percent")
	fs.Uint16Var(&battery, "battery", 0, "battery voltage in mV")
	fs.Uint8Var(&flags, "flags", 0, "status flags")
	fs.Uint8Var(&ver, "version", payload.DefaultVersion, "payload version")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if !fs.Changed("node") {
		_, _ = fmt.Fprintln(stderr, "Error: --node is required")
		return 2
	}

	raw, err := payload.Encode(payload.Reading{
		Version:     ver,
		NodeID:      node,
		TempC:       temp,
		HumidityPct: humidity,
		BatteryMV:   battery,
		StatusFlags: flags,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, hex.EncodeToString(raw))
	return 0
}

func runDecodeCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: basestation decode <hex>")
		return 2
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(args[0]), "0x"))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid hex: %v\n", err)
		return 1
	}
	r, err := payload.Decode(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := json.NewEncoder(stdout).Encode(r); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
