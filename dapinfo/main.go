// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/bbnote/godaplink"
	"github.com/google/gousb"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var (
	flagLogLevel uint32
	flagVid      uint16
	flagPid      uint16
	flagSerial   string
	flagList     bool

	logger *logrus.Logger
)

func initLogger() {
	formatter := &prefixed.TextFormatter{
		DisableColors:   false,
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	}

	logger = logrus.New()

	logger.SetFormatter(formatter)
	logger.SetOutput(os.Stderr)
}

var infoStrings = []struct {
	id   godaplink.InfoId
	name string
}{
	{godaplink.InfoVendor, "vendor"},
	{godaplink.InfoProduct, "product"},
	{godaplink.InfoSerialNumber, "serial"},
	{godaplink.InfoFwVersion, "firmware"},
	{godaplink.InfoDeviceVendor, "target vendor"},
	{godaplink.InfoDeviceName, "target name"},
}

func printInfo(c *godaplink.Client) error {
	for _, s := range infoStrings {
		value, err := c.InfoString(s.id)
		if err != nil {
			return err
		}

		if value != "" {
			fmt.Printf("  %-14s %s\n", s.name+":", value)
		}
	}

	swd, jtag, err := c.Capabilities()
	if err != nil {
		return err
	}

	size, err := c.PacketSize()
	if err != nil {
		return err
	}

	count, err := c.PacketCount()
	if err != nil {
		return err
	}

	fmt.Printf("  %-14s swd=%v jtag=%v\n", "capabilities:", swd, jtag)
	fmt.Printf("  %-14s %d x %d bytes\n", "packets:", count, size)

	if id, err := c.VendorId(); err == nil && id != "" {
		fmt.Printf("  %-14s %s\n", "unique id:", id)
	}

	if !swd {
		return nil
	}

	idCode, err := c.ReadIdCode()
	if err != nil {
		logger.Warnf("could not read target IDCODE: %v", err)
	} else {
		fmt.Printf("  %-14s 0x%08x\n", "idcode:", idCode)
	}

	return c.Disconnect()
}

func run(cmd *cobra.Command, args []string) error {
	logger.SetLevel(logrus.Level(flagLogLevel))

	if err := godaplink.InitializeUSB(); err != nil {
		return err
	}
	defer godaplink.CloseUSB()

	config := godaplink.NewProbeConfigUsb(gousb.ID(flagVid), gousb.ID(flagPid), flagSerial)

	probes, err := godaplink.ListProbes(config)
	if err != nil {
		return err
	}

	if len(probes) == 0 {
		return errors.New("no CMSIS-DAP probe found")
	}

	for _, p := range probes {
		fmt.Println(p)
	}

	if flagList {
		return nil
	}

	probe, err := godaplink.OpenProbe(config)
	if err != nil {
		return err
	}

	client := godaplink.NewClient(probe)
	defer client.Close()

	if size, err := client.PacketSize(); err == nil {
		probe.SetPacketSize(size)
	}

	return printInfo(client)
}

func main() {
	initLogger()
	godaplink.SetLogger(logger)

	rootCmd := &cobra.Command{
		Use:          "dapinfo",
		Short:        "Show the CMSIS-DAP probes connected over USB",
		Long:         "dapinfo lists CMSIS-DAP probes and prints their DAP_Info answers and the IDCODE of the attached target.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         run,
	}

	flags := rootCmd.Flags()
	flags.Uint32Var(&flagLogLevel, "log-level", uint32(logrus.InfoLevel), "logging verbosity [0 - 6]")
	flags.Uint16Var(&flagVid, "vid", godaplink.AllVids, "USB vendor id of the probe")
	flags.Uint16Var(&flagPid, "pid", godaplink.AllPids, "USB product id of the probe")
	flags.StringVar(&flagSerial, "serial", "", "serial number of the probe")
	flags.BoolVarP(&flagList, "list", "l", false, "only list the probes")

	if err := rootCmd.Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
