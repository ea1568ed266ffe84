package modbus

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mnit-rtmc/iris-sub027/internal/comm"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

const (
	maxRegisters = 125

	CommandWrite = "write"
)

// Driver builds Modbus RTU operations. Samples are read as one block of
// holding registers starting at the "register" link option.
type Driver struct {
	register uint16
	maxValid int
	sink     comm.EventSink
}

// NewDriver creates a driver from the link options "register" and "max_valid".
func NewDriver(link *domain.Link, sink comm.EventSink) (*Driver, error) {
	d := &Driver{maxValid: 0xFFFF, sink: sink}
	if s := link.Options["register"]; s != "" {
		v, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("link %s: invalid register %q", link.ID, s)
		}
		d.register = uint16(v)
	}
	if s := link.Options["max_valid"]; s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("link %s: invalid max_valid %q", link.ID, s)
		}
		d.maxValid = v
	}
	if d.sink == nil {
		d.sink = comm.NopSink{}
	}
	return d, nil
}

func (d *Driver) Protocol() domain.Protocol {
	return domain.ProtocolModbusRTU
}

// readRegisters returns a phase that reads the sample block into *out.
func (d *Driver) readRegisters(out *[]int) *comm.Phase {
	return comm.NewPhase("read holding registers", func(msg *comm.Message) (*comm.Phase, error) {
		n := msg.Controller().Inputs
		if n < 1 || n > maxRegisters {
			return nil, fmt.Errorf("%w: %d registers on %s", domain.ErrProtocol, n, msg.Controller().ID)
		}
		cl, err := client(msg)
		if err != nil {
			return nil, err
		}
		data, err := cl.ReadHoldingRegisters(d.register, uint16(n))
		if err != nil {
			return nil, classify(err)
		}
		if len(data) != 2*n {
			return nil, fmt.Errorf("%w: %d register bytes, expected %d", domain.ErrParsing, len(data), 2*n)
		}
		values := make([]int, n)
		for i := range values {
			values[i] = int(binary.BigEndian.Uint16(data[2*i:]))
		}
		*out = values
		return nil, nil
	})
}

// PollOperation reads the register block and logs it as samples.
func (d *Driver) PollOperation(c *domain.Controller, period time.Duration, stamp time.Time) *comm.Operation {
	var values []int
	op := comm.NewOperation(comm.SampleKind(period), c, domain.PriorityForPeriod(period), d.readRegisters(&values))
	op.WithExpiry(stamp.Add(period))
	return op.OnCleanup(func(op *comm.Operation) {
		if !op.Success() {
			return
		}
		ss := domain.SampleSet{
			Timestamp: stamp,
			PeriodSec: int(period / time.Second),
			StartPin:  int(d.register) + 1,
			Samples:   values,
			MaxValid:  d.maxValid,
		}
		ss.Clamp()
		d.sink.LogSampleData(c.ID, ss)
	})
}

// SetupOperation is not supported.
func (d *Driver) SetupOperation(*domain.Controller) *comm.Operation {
	return nil
}

// CommandOperation supports "write" with a value of "register=value".
func (d *Driver) CommandOperation(c *domain.Controller, cmd comm.Command) (*comm.Operation, error) {
	if cmd.Name != CommandWrite {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCommand, cmd.Name)
	}
	reg, val, err := parseWrite(cmd.Value)
	if err != nil {
		return nil, err
	}
	phase := comm.NewPhase("write register", func(msg *comm.Message) (*comm.Phase, error) {
		cl, err := client(msg)
		if err != nil {
			return nil, err
		}
		if _, err := cl.WriteSingleRegister(reg, val); err != nil {
			return nil, classify(err)
		}
		return nil, nil
	})
	return comm.NewOperation("command-write-"+strconv.Itoa(int(reg)), c, domain.PriorityCommand, phase), nil
}

func parseWrite(s string) (reg, val uint16, err error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		return 0, 0, fmt.Errorf("%w: write value %q, want register=value", domain.ErrProtocol, s)
	}
	r, err := strconv.ParseUint(strings.TrimSpace(k), 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: register %q", domain.ErrProtocol, k)
	}
	x, err := strconv.ParseUint(strings.TrimSpace(v), 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: value %q", domain.ErrProtocol, v)
	}
	return uint16(r), uint16(x), nil
}
