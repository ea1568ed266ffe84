package ntcip

import (
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/mnit-rtmc/iris-sub027/internal/comm"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

const (
	DefaultCommunity = "public"

	CommandQueryStatus = "query-status"
)

// shortErrorStatus bits, NTCIP 1203
var shortErrorBits = [...]string{
	"OTHER",
	"COMMUNICATIONS",
	"POWER",
	"ATTACHED DEVICE",
	"LAMP",
	"PIXEL",
	"PHOTOCELL",
	"MESSAGE",
	"CONTROLLER",
	"TEMPERATURE",
	"CLIMATE CONTROL",
	"CRITICAL TEMPERATURE",
	"DRUM ROTOR",
	"DOOR OPEN",
	"HUMIDITY",
}

// ShortErrorString describes the bits set in a shortErrorStatus value.
func ShortErrorString(v int64) string {
	var errs []string
	for i, name := range shortErrorBits {
		if v&(1<<i) != 0 {
			errs = append(errs, name)
		}
	}
	return strings.Join(errs, ", ")
}

// Driver builds NTCIP operations.
type Driver struct {
	version   gosnmp.SnmpVersion
	community string
}

// NewDriver creates a driver from the link options "snmp_version" (1 or
// 2c) and "community".
func NewDriver(link *domain.Link, _ comm.EventSink) (*Driver, error) {
	d := &Driver{version: gosnmp.Version1, community: DefaultCommunity}
	switch v := link.Options["snmp_version"]; v {
	case "", "1":
	case "2c":
		d.version = gosnmp.Version2c
	default:
		return nil, fmt.Errorf("link %s: unsupported snmp_version %q", link.ID, v)
	}
	if s := link.Options["community"]; s != "" {
		d.community = s
	}
	return d, nil
}

func (d *Driver) Protocol() domain.Protocol {
	return domain.ProtocolNTCIP
}

// communityFor prefers the controller password over the link community.
func (d *Driver) communityFor(c *domain.Controller) string {
	if c.Password != "" {
		return c.Password
	}
	return d.community
}

func (d *Driver) statusOperation(kind string, c *domain.Controller, prio domain.Priority) *comm.Operation {
	prop := NewGetProperty(d.version, d.communityFor(c), OIDShortErrorStatus)
	op := comm.NewOperation(kind, c, prio, comm.QueryPhase("query short error status", prop, nil))
	return op.OnCleanup(func(op *comm.Operation) {
		if !op.Success() {
			return
		}
		if v, err := prop.Int(OIDShortErrorStatus); err == nil {
			c.SetMaintStatus(ShortErrorString(v))
		}
	})
}

// PollOperation refreshes the maintenance status. NTCIP controllers have
// no sample data on this engine.
func (d *Driver) PollOperation(c *domain.Controller, period time.Duration, stamp time.Time) *comm.Operation {
	return d.statusOperation(comm.SampleKind(period), c, domain.PriorityForPeriod(period)).
		WithExpiry(stamp.Add(period))
}

// SetupOperation reads sysDescr as the setup string along with the
// maintenance status.
func (d *Driver) SetupOperation(c *domain.Controller) *comm.Operation {
	prop := NewGetProperty(d.version, d.communityFor(c), OIDSysDescr, OIDShortErrorStatus)
	op := comm.NewOperation("setup", c, domain.PriorityPollLow, comm.QueryPhase("query setup", prop, nil))
	return op.OnCleanup(func(op *comm.Operation) {
		if !op.Success() {
			return
		}
		if s, err := prop.String(OIDSysDescr); err == nil {
			c.SetSetup(strings.TrimSpace(s))
		}
		if v, err := prop.Int(OIDShortErrorStatus); err == nil {
			c.SetMaintStatus(ShortErrorString(v))
		}
	})
}

// CommandOperation supports "query-status".
func (d *Driver) CommandOperation(c *domain.Controller, cmd comm.Command) (*comm.Operation, error) {
	if cmd.Name != CommandQueryStatus {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCommand, cmd.Name)
	}
	return d.statusOperation("command-"+cmd.Name, c, domain.PriorityCommand), nil
}
