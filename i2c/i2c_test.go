package i2c_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/i2cpy/i2cgo/driver"
	"github.com/i2cpy/i2cgo/driver/fake"
	"github.com/i2cpy/i2cgo/i2c"
	"github.com/i2cpy/i2cgo/testutils/inject"
)

// registerTestDriver registers d under a name derived from the test,
// unique for the life of the test binary.
func registerTestDriver(t *testing.T, d driver.Driver) string {
	t.Helper()
	name := strings.ToLower(t.Name())
	driver.Register(name, func(conf driver.Config, logger golog.Logger) (driver.Driver, error) {
		return d, nil
	})
	return name
}

func newFakeBus(t *testing.T, extra driver.Options) (*i2c.Bus, *fake.Driver) {
	t.Helper()
	ctx := context.Background()
	drv, err := fake.NewDriver(driver.Config{ID: t.Name(), Extra: extra}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	name := registerTestDriver(t, drv)

	bus, err := i2c.New(ctx, i2c.WithDriver(name), i2c.WithLogger(golog.NewTestLogger(t)))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, bus.Close(ctx), test.ShouldBeNil)
	})
	return bus, drv
}

func TestUnknownDriver(t *testing.T) {
	_, err := i2c.New(context.Background(), i2c.WithDriver("nonexistent"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err, test.ShouldHaveSameTypeAs, &driver.UnknownDriverError{})
}

func TestDriverResolutionPrecedence(t *testing.T) {
	ctx := context.Background()
	drv, err := fake.NewDriver(driver.Config{ID: t.Name()}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	name := registerTestDriver(t, drv)

	// the environment points at a different registered name; the
	// explicit argument must win
	t.Setenv(driver.EnvVar, "fake")
	bus, err := i2c.New(ctx, i2c.WithDriver(name), i2c.WithAutoInit(false))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bus.DriverName(), test.ShouldEqual, name)

	// with no explicit argument the environment wins over the default
	t.Setenv(driver.EnvVar, name)
	bus2, err := i2c.New(ctx, i2c.WithAutoInit(false))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bus2.DriverName(), test.ShouldEqual, name)
}

func TestLoopbackRoundTrip(t *testing.T) {
	ctx := context.Background()
	bus, _ := newFakeBus(t, nil)

	payload := []byte{0x55, 0xAA, 0x55, 0xAA}
	test.That(t, bus.WriteTo(ctx, 0x2A, payload), test.ShouldBeNil)

	got, err := bus.ReadFrom(ctx, 0x2A, len(payload))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, payload)
}

func TestMemRoundTrip(t *testing.T) {
	for _, addrsize := range []int{8, 16} {
		t.Run(map[int]string{8: "addrsize8", 16: "addrsize16"}[addrsize], func(t *testing.T) {
			ctx := context.Background()
			drv, err := fake.NewDriver(driver.Config{
				ID:    t.Name(),
				Extra: driver.Options{"mode": fake.ModeMemory, "addrsize": addrsize},
			}, golog.NewTestLogger(t))
			test.That(t, err, test.ShouldBeNil)
			name := registerTestDriver(t, drv)
			bus, err := i2c.New(ctx, i2c.WithDriver(name), i2c.WithLogger(golog.NewTestLogger(t)))
			test.That(t, err, test.ShouldBeNil)
			defer func() {
				test.That(t, bus.Close(ctx), test.ShouldBeNil)
			}()

			payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
			memaddr := 0x10
			if addrsize == 16 {
				memaddr = 0x0310
			}
			test.That(t, bus.WriteToMem(ctx, 0x50, memaddr, payload, addrsize), test.ShouldBeNil)

			got, err := bus.ReadFromMem(ctx, 0x50, memaddr, len(payload), addrsize)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, got, test.ShouldResemble, payload)
		})
	}
}

func TestReadFromMemIntoZeroLength(t *testing.T) {
	ctx := context.Background()
	called := false
	drv := &inject.Driver{
		InitFunc:   func(ctx context.Context) error { return nil },
		DeinitFunc: func(ctx context.Context) error { return nil },
		WriteReadIntoFunc: func(ctx context.Context, addr byte, w, r []byte) error {
			called = true
			return nil
		},
		ScanSupportFunc: func() driver.ScanSupport { return driver.ScanSupported },
	}
	name := registerTestDriver(t, drv)
	bus, err := i2c.New(ctx, i2c.WithDriver(name))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, bus.ReadFromMemInto(ctx, 0x50, 0x10, nil, 8), test.ShouldBeNil)
	test.That(t, called, test.ShouldBeFalse)
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	bus, drv := newFakeBus(t, nil)
	drv.SetPresent(0x10, 0x50)

	found, err := bus.Scan(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldResemble, []byte{16, 80})
}

func TestScanRangeValidation(t *testing.T) {
	ctx := context.Background()
	bus, _ := newFakeBus(t, nil)

	_, err := bus.ScanRange(ctx, 0x20, 0x10)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err, test.ShouldHaveSameTypeAs, &driver.InvalidArgumentError{})

	_, err = bus.ScanRange(ctx, 0x00, 0x80)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err, test.ShouldHaveSameTypeAs, &driver.InvalidArgumentError{})
}

func TestScanWithoutProber(t *testing.T) {
	// a backend without the probe capability falls back to
	// zero-length writes
	ctx := context.Background()
	var probed []byte
	drv := &inject.Driver{
		InitFunc:   func(ctx context.Context) error { return nil },
		DeinitFunc: func(ctx context.Context) error { return nil },
		WriteToFunc: func(ctx context.Context, addr byte, buf []byte) error {
			test.That(t, buf, test.ShouldBeEmpty)
			probed = append(probed, addr)
			if addr == 0x42 {
				return nil
			}
			return &driver.NoAckError{Addr: addr, Phase: driver.PhaseAddress}
		},
		ScanSupportFunc: func() driver.ScanSupport { return driver.ScanSupported },
	}
	name := registerTestDriver(t, drv)
	bus, err := i2c.New(ctx, i2c.WithDriver(name))
	test.That(t, err, test.ShouldBeNil)

	found, err := bus.ScanRange(ctx, 0x40, 0x44)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldResemble, []byte{0x42})
	test.That(t, probed, test.ShouldResemble, []byte{0x40, 0x41, 0x42, 0x43, 0x44})
}

func TestScanUnsupported(t *testing.T) {
	ctx := context.Background()
	drv := &inject.Driver{
		InitFunc:        func(ctx context.Context) error { return nil },
		DeinitFunc:      func(ctx context.Context) error { return nil },
		ScanSupportFunc: func() driver.ScanSupport { return driver.ScanUnsupported },
	}
	name := registerTestDriver(t, drv)
	bus, err := i2c.New(ctx, i2c.WithDriver(name))
	test.That(t, err, test.ShouldBeNil)

	_, err = bus.Scan(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err, test.ShouldHaveSameTypeAs, &driver.UnsupportedOperationError{})
}

func TestOperationsAfterDeinit(t *testing.T) {
	ctx := context.Background()
	bus, _ := newFakeBus(t, nil)
	test.That(t, bus.Deinit(ctx), test.ShouldBeNil)

	err := bus.WriteTo(ctx, 0x17, []byte{1})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err, test.ShouldHaveSameTypeAs, &driver.NotInitializedError{})

	_, err = bus.ReadFrom(ctx, 0x17, 1)
	test.That(t, err, test.ShouldHaveSameTypeAs, &driver.NotInitializedError{})

	_, err = bus.Scan(ctx)
	test.That(t, err, test.ShouldHaveSameTypeAs, &driver.NotInitializedError{})

	// deinit is idempotent
	test.That(t, bus.Deinit(ctx), test.ShouldBeNil)
}

func TestValidationBeforeBackend(t *testing.T) {
	ctx := context.Background()
	touched := false
	drv := &inject.Driver{
		InitFunc:   func(ctx context.Context) error { return nil },
		DeinitFunc: func(ctx context.Context) error { return nil },
		WriteToFunc: func(ctx context.Context, addr byte, buf []byte) error {
			touched = true
			return nil
		},
		ReadFromIntoFunc: func(ctx context.Context, addr byte, buf []byte) error {
			touched = true
			return nil
		},
		WriteReadIntoFunc: func(ctx context.Context, addr byte, w, r []byte) error {
			touched = true
			return nil
		},
	}
	name := registerTestDriver(t, drv)
	bus, err := i2c.New(ctx, i2c.WithDriver(name))
	test.That(t, err, test.ShouldBeNil)

	err = bus.WriteTo(ctx, 128, []byte{1})
	test.That(t, err, test.ShouldHaveSameTypeAs, &driver.InvalidArgumentError{})

	_, err = bus.ReadFrom(ctx, 0x17, -1)
	test.That(t, err, test.ShouldHaveSameTypeAs, &driver.InvalidArgumentError{})

	err = bus.WriteToMem(ctx, 0x17, 0x10, []byte{1}, 24)
	test.That(t, err, test.ShouldHaveSameTypeAs, &driver.InvalidArgumentError{})

	err = bus.ReadFromMemInto(ctx, 0x17, -1, make([]byte, 1), 8)
	test.That(t, err, test.ShouldHaveSameTypeAs, &driver.InvalidArgumentError{})

	test.That(t, touched, test.ShouldBeFalse)
}

func TestInitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	inits := 0
	drv := &inject.Driver{
		InitFunc: func(ctx context.Context) error {
			inits++
			return nil
		},
		DeinitFunc: func(ctx context.Context) error { return nil },
	}
	name := registerTestDriver(t, drv)
	bus, err := i2c.New(ctx, i2c.WithDriver(name), i2c.WithAutoInit(false))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, inits, test.ShouldEqual, 0)

	test.That(t, bus.Init(ctx), test.ShouldBeNil)
	test.That(t, bus.Init(ctx), test.ShouldBeNil)
	test.That(t, inits, test.ShouldEqual, 1)
}

func TestCompositeSerialization(t *testing.T) {
	ctx := context.Background()
	bus, drv := newFakeBus(t, driver.Options{"mode": fake.ModeMemory})

	test.That(t, bus.WriteToMem(ctx, 0x17, 0x00, []byte{1, 2, 3, 4}, 8), test.ShouldBeNil)

	var wg sync.WaitGroup
	const workers = 4
	const iters = 25
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				_, err := bus.ReadFromMem(ctx, 0x17, 0x00, 4, 8)
				test.That(t, err, test.ShouldBeNil)
			}
		}()
	}
	wg.Wait()

	// every write-phase must be immediately followed by its own
	// read-phase; interleaving would corrupt addressing on the wire
	records := drv.Records()
	for i := 0; i < len(records); i++ {
		if records[i].Op != "write-phase" {
			continue
		}
		test.That(t, i+1, test.ShouldBeLessThan, len(records))
		test.That(t, records[i+1].Op, test.ShouldEqual, "read-phase")
	}
}

func TestProberPreferred(t *testing.T) {
	ctx := context.Background()
	wrote := false
	drv := &inject.ProbingDriver{
		Driver: inject.Driver{
			InitFunc:   func(ctx context.Context) error { return nil },
			DeinitFunc: func(ctx context.Context) error { return nil },
			WriteToFunc: func(ctx context.Context, addr byte, buf []byte) error {
				wrote = true
				return nil
			},
			ScanSupportFunc: func() driver.ScanSupport { return driver.ScanSupported },
		},
		ProbeFunc: func(ctx context.Context, addr byte) (bool, error) {
			return addr == 0x33, nil
		},
	}
	name := registerTestDriver(t, drv)
	bus, err := i2c.New(ctx, i2c.WithDriver(name))
	test.That(t, err, test.ShouldBeNil)

	found, err := bus.ScanRange(ctx, 0x30, 0x36)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldResemble, []byte{0x33})
	test.That(t, wrote, test.ShouldBeFalse)
}

func TestProbeErrorDoesNotAbortScan(t *testing.T) {
	ctx := context.Background()
	drv := &inject.ProbingDriver{
		Driver: inject.Driver{
			InitFunc:        func(ctx context.Context) error { return nil },
			DeinitFunc:      func(ctx context.Context) error { return nil },
			ScanSupportFunc: func() driver.ScanSupport { return driver.ScanSupported },
		},
		ProbeFunc: func(ctx context.Context, addr byte) (bool, error) {
			switch addr {
			case 0x21:
				return false, &driver.TimeoutError{Driver: "inject", Op: "probe"}
			case 0x22:
				return true, nil
			default:
				return false, nil
			}
		},
	}
	name := registerTestDriver(t, drv)
	bus, err := i2c.New(ctx, i2c.WithDriver(name))
	test.That(t, err, test.ShouldBeNil)

	found, err := bus.ScanRange(ctx, 0x20, 0x23)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldResemble, []byte{0x22})
}

func TestScanStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	probes := 0
	drv := &inject.ProbingDriver{
		Driver: inject.Driver{
			InitFunc:        func(ctx context.Context) error { return nil },
			DeinitFunc:      func(ctx context.Context) error { return nil },
			ScanSupportFunc: func() driver.ScanSupport { return driver.ScanSupported },
		},
		ProbeFunc: func(ctx context.Context, addr byte) (bool, error) {
			probes++
			cancel()
			return false, ctx.Err()
		},
	}
	name := registerTestDriver(t, drv)
	bus, err := i2c.New(ctx, i2c.WithDriver(name))
	test.That(t, err, test.ShouldBeNil)

	// A failed probe counts as absent, but once the context is done
	// the walk must stop instead of probing the rest of the range.
	_, err = bus.Scan(ctx)
	test.That(t, err, test.ShouldBeError, context.Canceled)
	test.That(t, probes, test.ShouldEqual, 1)
}
