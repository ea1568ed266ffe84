// Package parking implements the JSON over HTTPS parking sensor protocol.
//
// A poll is a bare GET of the controller path. The response is an object
// keyed by 1-based slot index:
//
//	{"1": {"available": true, "duration": 12}, "2": {...}}
package parking

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/mnit-rtmc/iris-sub027/internal/comm"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

const (
	Vacant   = 0
	Occupied = 1

	// MaxValid is the largest occupancy value.
	MaxValid = Occupied
)

type slotJSON struct {
	Available *bool `json:"available"`
	Duration  int   `json:"duration"`
}

// OccupancyProperty reads the occupancy of every slot of a controller.
type OccupancyProperty struct {
	slots     []int
	durations []int
}

// EncodeQuery writes nothing; the request is a bare GET.
func (p *OccupancyProperty) EncodeQuery(c *domain.Controller, _ io.Writer) error {
	if c.Inputs <= 0 {
		return fmt.Errorf("%w: no parking slots on %s", domain.ErrProtocol, c.ID)
	}
	return nil
}

// DecodeQuery streams the response object into slot values. Keys outside
// the slot range are ignored, slots with no key stay missing.
func (p *OccupancyProperty) DecodeQuery(c *domain.Controller, r io.Reader) error {
	if c.Inputs <= 0 {
		return fmt.Errorf("%w: no parking slots on %s", domain.ErrProtocol, c.ID)
	}
	var body map[string]slotJSON
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		if domain.Tagged(err) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrParsing, err)
	}
	slots := make([]int, c.Inputs)
	durations := make([]int, c.Inputs)
	for i := range slots {
		slots[i] = domain.MissingData
		durations[i] = domain.MissingData
	}
	for key, v := range body {
		n, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("%w: slot key %q", domain.ErrParsing, key)
		}
		if n < 1 || n > len(slots) || v.Available == nil {
			continue
		}
		if *v.Available {
			slots[n-1] = Vacant
		} else {
			slots[n-1] = Occupied
		}
		durations[n-1] = v.Duration
	}
	p.slots = slots
	p.durations = durations
	return nil
}

// Slots returns the occupancy per slot: Vacant, Occupied or MissingData.
func (p *OccupancyProperty) Slots() []int {
	return p.slots
}

// Durations returns the reported time in the current state per slot.
func (p *OccupancyProperty) Durations() []int {
	return p.durations
}

// Driver builds parking sensor operations.
type Driver struct {
	sink comm.EventSink
}

// NewDriver creates a driver. The link token and messenger handle
// authentication.
func NewDriver(_ *domain.Link, sink comm.EventSink) (*Driver, error) {
	if sink == nil {
		sink = comm.NopSink{}
	}
	return &Driver{sink: sink}, nil
}

func (d *Driver) Protocol() domain.Protocol {
	return domain.ProtocolParkingJSON
}

// PollOperation reads slot occupancy and logs it as a sample set.
func (d *Driver) PollOperation(c *domain.Controller, period time.Duration, stamp time.Time) *comm.Operation {
	prop := &OccupancyProperty{}
	op := comm.NewOperation(
		comm.SampleKind(period),
		c,
		domain.PriorityForPeriod(period),
		comm.QueryPhase("query occupancy", prop, nil),
	)
	op.WithExpiry(stamp.Add(period))
	return op.OnCleanup(func(op *comm.Operation) {
		if !op.Success() {
			return
		}
		ss := domain.SampleSet{
			Timestamp: stamp,
			PeriodSec: int(period / time.Second),
			StartPin:  1,
			Samples:   prop.Slots(),
			MaxValid:  MaxValid,
		}
		ss.Clamp()
		d.sink.LogSampleData(c.ID, ss)
	})
}

// SetupOperation is not supported by the sensors.
func (d *Driver) SetupOperation(*domain.Controller) *comm.Operation {
	return nil
}

func (d *Driver) CommandOperation(_ *domain.Controller, cmd comm.Command) (*comm.Operation, error) {
	return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCommand, cmd.Name)
}
