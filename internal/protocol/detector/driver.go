package detector

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mnit-rtmc/iris-sub027/internal/comm"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

const (
	// DefaultMaxValid is the largest counter value stored as valid.
	DefaultMaxValid = 0xFFFE

	CommandReset = "reset"
)

// Driver builds detector operations for the controllers of one link.
type Driver struct {
	sum      Checksum
	maxValid int
	sink     comm.EventSink
}

// NewDriver creates a driver from the link options "checksum" and "max_valid".
func NewDriver(link *domain.Link, sink comm.EventSink) (*Driver, error) {
	sum, err := ParseChecksum(link.Options["checksum"])
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", link.ID, err)
	}
	maxValid := DefaultMaxValid
	if s := link.Options["max_valid"]; s != "" {
		maxValid, err = strconv.Atoi(s)
		if err != nil || maxValid <= 0 {
			return nil, fmt.Errorf("link %s: invalid max_valid %q", link.ID, s)
		}
	}
	if sink == nil {
		sink = comm.NopSink{}
	}
	return &Driver{sum: sum, maxValid: maxValid, sink: sink}, nil
}

// Protocol returns domain.ProtocolDetector.
func (d *Driver) Protocol() domain.Protocol {
	return domain.ProtocolDetector
}

// PollOperation reads every input counter of c. The samples are logged
// only when the whole read succeeds.
func (d *Driver) PollOperation(c *domain.Controller, period time.Duration, stamp time.Time) *comm.Operation {
	prop := NewSampleProperty(d.sum, 1, 0)
	op := comm.NewOperation(
		comm.SampleKind(period),
		c,
		domain.PriorityForPeriod(period),
		comm.QueryPhase("query samples", prop, nil),
	)
	op.WithExpiry(stamp.Add(period))
	return op.OnCleanup(func(op *comm.Operation) {
		if !op.Success() {
			return
		}
		ss := domain.SampleSet{
			Timestamp: stamp,
			PeriodSec: int(period / time.Second),
			StartPin:  prop.StartPin(),
			Samples:   prop.Samples(),
			MaxValid:  d.maxValid,
		}
		ss.Clamp()
		d.sink.LogSampleData(c.ID, ss)
	})
}

// SetupOperation reads the version and then the module table.
func (d *Driver) SetupOperation(c *domain.Controller) *comm.Operation {
	version := NewVersionProperty(d.sum)
	modules := NewModuleProperty(d.sum)

	var moduleRow *comm.Phase
	moduleRow = comm.NewPhase("query module table", func(msg *comm.Message) (*comm.Phase, error) {
		if err := msg.Query(modules); err != nil {
			return nil, err
		}
		if modules.Last() {
			return nil, nil
		}
		return moduleRow, nil
	})

	op := comm.NewOperation("setup", c, domain.PriorityPollLow, comm.QueryPhase("query version", version, moduleRow))
	return op.OnCleanup(func(op *comm.Operation) {
		if op.Success() {
			c.SetSetup(setupString(version.Version(), modules.Modules()))
		}
	})
}

// CommandOperation supports "reset".
func (d *Driver) CommandOperation(c *domain.Controller, cmd comm.Command) (*comm.Operation, error) {
	switch cmd.Name {
	case CommandReset:
		phase := comm.StorePhase("reset counters", NewResetProperty(d.sum), nil)
		return comm.NewOperation("command-"+cmd.Name, c, domain.PriorityCommand, phase), nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCommand, cmd.Name)
	}
}

func setupString(version string, modules []Module) string {
	var b strings.Builder
	b.WriteString(version)
	if len(modules) > 0 {
		b.WriteString(" [")
		for i, m := range modules {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(m.String())
		}
		b.WriteByte(']')
	}
	return b.String()
}
