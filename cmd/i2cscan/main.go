// The i2cscan command probes an I2C bus through any registered backend
// and reads or writes peripheral memory, in the spirit of i2cdetect.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/urfave/cli/v2"
	"go.viam.com/utils"

	"github.com/i2cpy/i2cgo/driver"
	_ "github.com/i2cpy/i2cgo/driver/register"
	"github.com/i2cpy/i2cgo/i2c"
)

var logger = golog.NewDevelopmentLogger("i2cscan")

const (
	driverFlag   = "driver"
	idFlag       = "id"
	freqFlag     = "freq"
	debugFlag    = "debug"
	addrsizeFlag = "addrsize"
)

var app = &cli.App{
	Name:  "i2cscan",
	Usage: "probe and poke I2C peripherals behind a USB bridge or kernel bus",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  driverFlag,
			Usage: "backend name; empty consults " + driver.EnvVar + " then the default",
		},
		&cli.StringFlag{
			Name:  idFlag,
			Usage: "connection identifier (device index or path)",
		},
		&cli.IntFlag{
			Name:  freqFlag,
			Usage: "bus clock in Hz",
			Value: driver.DefaultFrequency,
		},
		&cli.BoolFlag{
			Name:  debugFlag,
			Usage: "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:   "scan",
			Usage:  "list responding peripheral addresses",
			Action: scanAction,
		},
		{
			Name:      "read",
			Usage:     "read bytes from a peripheral's memory",
			ArgsUsage: "<addr> <memaddr> <nbytes>",
			Flags:     []cli.Flag{addrsizeFlagDef()},
			Action:    readAction,
		},
		{
			Name:      "write",
			Usage:     "write hex bytes to a peripheral's memory",
			ArgsUsage: "<addr> <memaddr> <hexbytes>",
			Flags:     []cli.Flag{addrsizeFlagDef()},
			Action:    writeAction,
		},
		{
			Name:   "drivers",
			Usage:  "list registered backends",
			Action: driversAction,
		},
	},
}

func addrsizeFlagDef() cli.Flag {
	return &cli.IntFlag{
		Name:  addrsizeFlag,
		Usage: "memory address width in bits (8 or 16)",
		Value: 8,
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func openBus(c *cli.Context) (*i2c.Bus, error) {
	l := logger
	if c.Bool(debugFlag) {
		l = golog.NewDebugLogger("i2cscan")
	}
	opts := []i2c.Option{
		i2c.WithDriver(c.String(driverFlag)),
		i2c.WithFrequency(c.Int(freqFlag)),
		i2c.WithLogger(l),
	}
	if id := c.String(idFlag); id != "" {
		if n, err := strconv.Atoi(id); err == nil {
			opts = append(opts, i2c.WithID(n))
		} else {
			opts = append(opts, i2c.WithID(id))
		}
	}
	return i2c.New(c.Context, opts...)
}

func withBus(c *cli.Context, fn func(ctx context.Context, bus *i2c.Bus) error) error {
	bus, err := openBus(c)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(func() error {
		return bus.Close(c.Context)
	})
	return fn(c.Context, bus)
}

func scanAction(c *cli.Context) error {
	return withBus(c, func(ctx context.Context, bus *i2c.Bus) error {
		found, err := bus.Scan(ctx)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Println("no peripherals found")
			return nil
		}
		for _, addr := range found {
			fmt.Printf("0x%02x (%d)\n", addr, addr)
		}
		return nil
	})
}

func readAction(c *cli.Context) error {
	addr, memaddr, err := addrArgs(c)
	if err != nil {
		return err
	}
	nbytes, err := strconv.Atoi(c.Args().Get(2))
	if err != nil {
		return fmt.Errorf("bad byte count %q", c.Args().Get(2))
	}
	return withBus(c, func(ctx context.Context, bus *i2c.Bus) error {
		buf, err := bus.ReadFromMem(ctx, addr, memaddr, nbytes, c.Int(addrsizeFlag))
		if err != nil {
			return err
		}
		fmt.Printf("% x\n", buf)
		return nil
	})
}

func writeAction(c *cli.Context) error {
	addr, memaddr, err := addrArgs(c)
	if err != nil {
		return err
	}
	buf, err := parseHexBytes(c.Args().Get(2))
	if err != nil {
		return err
	}
	return withBus(c, func(ctx context.Context, bus *i2c.Bus) error {
		return bus.WriteToMem(ctx, addr, memaddr, buf, c.Int(addrsizeFlag))
	})
}

func driversAction(c *cli.Context) error {
	for _, name := range driver.Registered() {
		fmt.Println(name)
	}
	return nil
}

func addrArgs(c *cli.Context) (byte, int, error) {
	addr, err := strconv.ParseUint(strings.TrimPrefix(c.Args().Get(0), "0x"), 16, 8)
	if err != nil || addr > 0x7F {
		return 0, 0, fmt.Errorf("bad peripheral address %q", c.Args().Get(0))
	}
	memaddr, err := strconv.ParseUint(strings.TrimPrefix(c.Args().Get(1), "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad memory address %q", c.Args().Get(1))
	}
	return byte(addr), int(memaddr), nil
}

func parseHexBytes(s string) ([]byte, error) {
	fields := strings.Fields(strings.ReplaceAll(s, ",", " "))
	buf := make([]byte, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(strings.TrimPrefix(f, "0x"), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("bad byte %q", f)
		}
		buf = append(buf, byte(v))
	}
	return buf, nil
}
