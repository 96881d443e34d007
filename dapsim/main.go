// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bbnote/godaplink"
	"github.com/bbnote/godaplink/vfs"
	"github.com/cheggaaa/pb"
	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var (
	flagLogLevel   uint32
	flagTarget     string
	flagCapacityKB uint32
	flagOutput     string
	flagNoProgress bool

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

func setUpSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)

	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-signals
		logger.Info("interrupted")
		cancel()
	}()

	return ctx
}

// simulatedProbe is a probe and its target living in this process.
type simulatedProbe struct {
	device *godaplink.TargetDevice
	sim    *godaplink.SimTarget
	target *godaplink.Target
	lock   *godaplink.Lock
}

func newSimulatedProbe() (*simulatedProbe, error) {
	device := godaplink.LookupTarget(flagTarget)
	if device == nil {
		return nil, errors.Errorf("unknown target %s", flagTarget)
	}

	if device.Algorithm == nil {
		logger.Warnf("target %s has no flash algorithm, programming will fail", device.Name)
	}

	sim := godaplink.NewSimTarget(device)

	return &simulatedProbe{
		device: device,
		sim:    sim,
		target: godaplink.NewTarget(sim, godaplink.NewDebugPortState(), device, godaplink.ResetHardware),
		lock:   godaplink.NewLock(),
	}, nil
}

// checkHex parses a HEX image up front so that a broken file is reported
// before it is dropped.
func checkHex(data []byte) error {
	mem := gohex.NewMemory()

	if err := mem.ParseIntelHex(bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "parsing hex file")
	}

	for _, s := range mem.GetDataSegments() {
		logger.Debugf("hex segment 0x%08x, %d bytes", s.Address, len(s.Data))
	}

	return nil
}

// dumpFlash writes the programmed part of the simulated flash as Intel HEX.
func dumpFlash(w io.Writer, start uint32, flash []byte) error {
	end := len(flash)
	for end > 0 && flash[end-1] == 0xff {
		end--
	}

	mem := gohex.NewMemory()

	if end > 0 {
		if err := mem.AddBinary(start, flash[:end]); err != nil {
			return err
		}
	}

	return mem.DumpIntelHex(w, 16)
}

func runDrop(cmd *cobra.Command, args []string) error {
	logger.SetLevel(logrus.Level(flagLogLevel))

	data, err := ioutil.ReadFile(args[0])
	if err != nil {
		return err
	}

	if strings.EqualFold(filepath.Ext(args[0]), ".hex") {
		if err := checkHex(data); err != nil {
			return err
		}
	}

	probe, err := newSimulatedProbe()
	if err != nil {
		return err
	}

	config := vfs.DefaultConfig()
	config.CapacityKB = flagCapacityKB
	config.TargetName = probe.device.Name

	drive, err := vfs.NewDrive(config, probe.device, godaplink.NewProgrammer(probe.target), probe.lock)
	if err != nil {
		return err
	}

	ctx := setUpSignalHandler()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- drive.Run(ctx)
	}()

	for !drive.Running() {
		time.Sleep(time.Millisecond)
	}

	var bar *pb.ProgressBar
	progress := func(int) {}

	if !flagNoProgress {
		bar = pb.New(len(data)).SetUnits(pb.U_BYTES).Prefix(filepath.Base(args[0]) + " ")
		bar.Output = os.Stderr
		bar.Start()

		progress = func(n int) { bar.Set(n) }
	}

	err = drive.CopyFile(args[0], data, progress)

	if bar != nil {
		bar.Finish()
	}

	if err != nil {
		return err
	}

	var eject vfs.Eject

	select {
	case eject = <-drive.Events():
	case <-time.After(config.TransferTimeout + config.SplitWindow):
		return errors.New("drive did not finish the session")
	case <-ctx.Done():
		return ctx.Err()
	}

	cancel()
	<-done

	if !eject.Success {
		return errors.Errorf("programming %s failed: %s", args[0], eject.Reason)
	}

	logger.Infof("%s programmed into %s", filepath.Base(args[0]), probe.device.Name)

	out := os.Stdout

	if flagOutput != "" {
		f, err := os.Create(flagOutput)
		if err != nil {
			return err
		}
		defer f.Close()

		out = f
	}

	return dumpFlash(out, probe.device.FlashStart, probe.sim.Flash())
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

func runInfo(cmd *cobra.Command, args []string) error {
	logger.SetLevel(logrus.Level(flagLogLevel))

	probe, err := newSimulatedProbe()
	if err != nil {
		return err
	}

	config := godaplink.DefaultProbeConfig()
	config.DeviceVendor = "simulated"
	config.DeviceName = probe.device.Name
	config.UniqueId = "0000" + config.SerialNumber

	p, err := godaplink.NewProcessor(probe.sim, probe.lock, config)
	if err != nil {
		return err
	}

	client := godaplink.NewClient(godaplink.NewLocalTransport(p))
	defer client.Close()

	for _, s := range infoStrings {
		value, err := client.InfoString(s.id)
		if err != nil {
			return err
		}

		fmt.Printf("%-14s %s\n", s.name+":", value)
	}

	swd, jtag, err := client.Capabilities()
	if err != nil {
		return err
	}

	size, err := client.PacketSize()
	if err != nil {
		return err
	}

	count, err := client.PacketCount()
	if err != nil {
		return err
	}

	id, err := client.VendorId()
	if err != nil {
		return err
	}

	idCode, err := client.ReadIdCode()
	if err != nil {
		return err
	}

	fmt.Printf("%-14s swd=%v jtag=%v\n", "capabilities:", swd, jtag)
	fmt.Printf("%-14s %d x %d bytes\n", "packets:", count, size)
	fmt.Printf("%-14s %s\n", "unique id:", id)
	fmt.Printf("%-14s 0x%08x\n", "idcode:", idCode)

	return client.Disconnect()
}

func main() {
	initLogger()
	godaplink.SetLogger(logger)
	vfs.SetLogger(logger)

	rootCmd := &cobra.Command{
		Use:          "dapsim",
		Short:        "Run the probe against a simulated Cortex-M target",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Uint32Var(&flagLogLevel, "log-level", uint32(logrus.InfoLevel), "logging verbosity [0 - 6]")
	rootCmd.PersistentFlags().StringVarP(&flagTarget, "target", "t", "sim", "simulated target device")

	dropCmd := &cobra.Command{
		Use:   "drop <file>",
		Short: "Copy a .bin or .hex file onto the virtual drive",
		Long: `drop copies a file onto the virtual FAT12 drive the way a host operating
system does and prints the programmed flash as Intel HEX.`,
		Args: cobra.ExactArgs(1),
		RunE: runDrop,
	}

	dropCmd.Flags().Uint32Var(&flagCapacityKB, "capacity", 1024, "drive capacity in KB")
	dropCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "write the flash dump to this file")
	dropCmd.Flags().BoolVar(&flagNoProgress, "no-progress", false, "do not show a progress bar")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Print the DAP_Info answers of the simulated probe",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}

	rootCmd.AddCommand(dropCmd, infoCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
