package detector

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

const (
	maxDrop = 255

	// missingSample is the wire value of a pin with no valid count.
	missingSample = 0xFFFF

	moduleLastRow = 0x01
)

// checkDrop rejects drop addresses the one byte header cannot carry.
func checkDrop(c *domain.Controller) (byte, error) {
	if c.Drop < 1 || c.Drop > maxDrop {
		return 0, fmt.Errorf("%w: invalid drop address %d", domain.ErrProtocol, c.Drop)
	}
	return byte(c.Drop), nil
}

func writeFrame(w io.Writer, sum Checksum, f Frame) error {
	buf, err := f.Encode(sum)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// SampleProperty reads a block of 16-bit sample counters.
type SampleProperty struct {
	sum      Checksum
	startPin int
	count    int
	samples  []int
}

// NewSampleProperty creates a sample query for count pins from startPin.
// A zero count reads every input of the controller.
func NewSampleProperty(sum Checksum, startPin, count int) *SampleProperty {
	if startPin < 1 {
		startPin = 1
	}
	return &SampleProperty{sum: sum, startPin: startPin, count: count}
}

func (p *SampleProperty) pins(c *domain.Controller) int {
	if p.count > 0 {
		return p.count
	}
	return c.Inputs
}

// EncodeQuery writes the sample request.
func (p *SampleProperty) EncodeQuery(c *domain.Controller, w io.Writer) error {
	drop, err := checkDrop(c)
	if err != nil {
		return err
	}
	n := p.pins(c)
	if n <= 0 {
		return fmt.Errorf("%w: no detector inputs on %s", domain.ErrProtocol, c.ID)
	}
	if p.startPin+n-1 > 255 || n > 127 {
		return fmt.Errorf("%w: pins %d..%d out of range", domain.ErrProtocol, p.startPin, p.startPin+n-1)
	}
	return writeFrame(w, p.sum, Frame{
		Drop:   drop,
		Opcode: OpSamples,
		Data:   []byte{byte(p.startPin), byte(n)},
	})
}

// DecodeQuery parses the sample response.
func (p *SampleProperty) DecodeQuery(c *domain.Controller, r io.Reader) error {
	f, err := expect(r, p.sum, byte(c.Drop), OpSamples)
	if err != nil {
		return err
	}
	n := p.pins(c)
	if len(f.Data) != 2*n {
		return fmt.Errorf("%w: %d sample bytes, expected %d", domain.ErrParsing, len(f.Data), 2*n)
	}
	samples := make([]int, n)
	for i := range samples {
		v := binary.BigEndian.Uint16(f.Data[2*i:])
		if v == missingSample {
			samples[i] = domain.MissingData
		} else {
			samples[i] = int(v)
		}
	}
	p.samples = samples
	return nil
}

// StartPin returns the first pin read.
func (p *SampleProperty) StartPin() int {
	return p.startPin
}

// Samples returns the decoded samples.
func (p *SampleProperty) Samples() []int {
	return p.samples
}

// VersionProperty reads the firmware version string.
type VersionProperty struct {
	sum     Checksum
	version string
}

// NewVersionProperty creates a version query.
func NewVersionProperty(sum Checksum) *VersionProperty {
	return &VersionProperty{sum: sum}
}

func (p *VersionProperty) EncodeQuery(c *domain.Controller, w io.Writer) error {
	drop, err := checkDrop(c)
	if err != nil {
		return err
	}
	return writeFrame(w, p.sum, Frame{Drop: drop, Opcode: OpVersion})
}

func (p *VersionProperty) DecodeQuery(c *domain.Controller, r io.Reader) error {
	f, err := expect(r, p.sum, byte(c.Drop), OpVersion)
	if err != nil {
		return err
	}
	for _, b := range f.Data {
		if b < 0x20 || b > 0x7E {
			return fmt.Errorf("%w: non-printable version byte %#02x", domain.ErrParsing, b)
		}
	}
	p.version = strings.TrimSpace(string(f.Data))
	return nil
}

// Version returns the decoded version.
func (p *VersionProperty) Version() string {
	return p.version
}

// Module is one row of the detector module table.
type Module struct {
	Row    int
	Type   byte
	Inputs int
}

func (m Module) String() string {
	return fmt.Sprintf("%d:%02x/%d", m.Row, m.Type, m.Inputs)
}

// ModuleProperty reads the module table one row per round trip.
type ModuleProperty struct {
	sum     Checksum
	row     int
	last    bool
	modules []Module
}

// NewModuleProperty creates a module table query starting at row 0.
func NewModuleProperty(sum Checksum) *ModuleProperty {
	return &ModuleProperty{sum: sum}
}

func (p *ModuleProperty) EncodeQuery(c *domain.Controller, w io.Writer) error {
	drop, err := checkDrop(c)
	if err != nil {
		return err
	}
	if p.row > 255 {
		return fmt.Errorf("%w: module table too long", domain.ErrProtocol)
	}
	return writeFrame(w, p.sum, Frame{Drop: drop, Opcode: OpModule, Data: []byte{byte(p.row)}})
}

// DecodeQuery parses one row: [row][flags][type][inputs].
func (p *ModuleProperty) DecodeQuery(c *domain.Controller, r io.Reader) error {
	f, err := expect(r, p.sum, byte(c.Drop), OpModule)
	if err != nil {
		return err
	}
	if len(f.Data) != 4 {
		return fmt.Errorf("%w: module row of %d bytes", domain.ErrParsing, len(f.Data))
	}
	if int(f.Data[0]) != p.row {
		return fmt.Errorf("%w: module row %d, expected %d", domain.ErrParsing, f.Data[0], p.row)
	}
	p.modules = append(p.modules, Module{Row: p.row, Type: f.Data[2], Inputs: int(f.Data[3])})
	p.last = f.Data[1]&moduleLastRow != 0
	p.row++
	return nil
}

// Last reports whether the final row has been read.
func (p *ModuleProperty) Last() bool {
	return p.last
}

// Modules returns the rows read so far.
func (p *ModuleProperty) Modules() []Module {
	return p.modules
}

// ResetProperty clears the sample counters of a controller.
type ResetProperty struct {
	sum Checksum
}

// NewResetProperty creates a reset command.
func NewResetProperty(sum Checksum) *ResetProperty {
	return &ResetProperty{sum: sum}
}

func (p *ResetProperty) EncodeStore(c *domain.Controller, w io.Writer) error {
	drop, err := checkDrop(c)
	if err != nil {
		return err
	}
	return writeFrame(w, p.sum, Frame{Drop: drop, Opcode: OpReset})
}

func (p *ResetProperty) DecodeStore(c *domain.Controller, r io.Reader) error {
	f, err := expect(r, p.sum, byte(c.Drop), OpReset)
	if err != nil {
		return err
	}
	if len(f.Data) != 0 {
		return fmt.Errorf("%w: unexpected reset data", domain.ErrParsing)
	}
	return nil
}
