package modbus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/mnit-rtmc/iris-sub027/internal/adapter/messenger"
	"github.com/mnit-rtmc/iris-sub027/internal/comm"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"github.com/rs/zerolog"
)

// rtuDevice is an in-memory multidrop line.
type rtuDevice struct {
	mu       sync.Mutex
	req      bytes.Buffer
	last     []byte
	requests int
	respond  func(req []byte) []byte
}

func (d *rtuDevice) Output(context.Context, *domain.Controller) (io.Writer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.req.Reset()
	return &d.req, nil
}

func (d *rtuDevice) Input(context.Context, *domain.Controller) (io.Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests++
	d.last = append([]byte(nil), d.req.Bytes()...)
	return bytes.NewReader(d.respond(d.last)), nil
}

func (d *rtuDevice) Drain() error { return nil }
func (d *rtuDevice) Close() error { return nil }

func (d *rtuDevice) stats() (int, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests, d.last
}

// adu frames a PDU with the RTU packager.
func adu(slave, fn byte, data ...byte) []byte {
	h := modbus.NewRTUClientHandler("")
	h.SlaveId = slave
	b, err := h.Encode(&modbus.ProtocolDataUnit{FunctionCode: fn, Data: data})
	if err != nil {
		panic(err)
	}
	return b
}

type sampleSink struct {
	mu      sync.Mutex
	samples []domain.SampleSet
}

func (s *sampleSink) LogCommEvent(domain.EventType, string, int, string) {}

func (s *sampleSink) LogSampleData(_ string, ss domain.SampleSet) {
	s.mu.Lock()
	s.samples = append(s.samples, ss)
	s.mu.Unlock()
}

func runOp(t *testing.T, dev *rtuDevice, link *domain.Link, build func(*Driver, *domain.Controller) *comm.Operation) (*comm.Operation, *sampleSink) {
	t.Helper()
	sink := &sampleSink{}
	drv, err := NewDriver(link, sink)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	open := func(context.Context) (messenger.Messenger, error) { return dev, nil }
	p := comm.NewPoller(link, comm.PollerConfig{RetryDelay: time.Millisecond}, open, sink, nil, zerolog.Nop(), nil)
	defer p.Stop()

	done := make(chan *comm.Operation, 1)
	op := build(drv, link.Controllers[0]).OnCleanup(func(op *comm.Operation) { done <- op })
	if err := p.Enqueue(op); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p.Start(context.Background())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for operation")
	}
	return op, sink
}

func rtuLink(drop int) *domain.Link {
	l := &domain.Link{
		ID:            "rtu",
		URI:           "serial:///dev/ttyUSB0",
		Protocol:      domain.ProtocolModbusRTU,
		Retries:       domain.RetryCount(1),
		FailThreshold: 10,
		Controllers:   []*domain.Controller{{ID: "M1", Drop: drop, Inputs: 2}},
	}
	l.ApplyDefaults()
	return l
}

func poll(d *Driver, c *domain.Controller) *comm.Operation {
	return d.PollOperation(c, domain.Period30Sec, comm.PeriodStamp(time.Now(), domain.Period30Sec))
}

func TestPollRegisters(t *testing.T) {
	good := adu(5, modbus.FuncCodeReadHoldingRegisters, 4, 0, 10, 0, 20)
	badCRC := append([]byte(nil), good...)
	badCRC[len(badCRC)-1] ^= 0xFF

	tests := []struct {
		name     string
		drop     int
		response []byte
		wantErr  error
		requests int
	}{
		{name: "ok", drop: 5, response: good, requests: 1},
		{name: "exception", drop: 5, response: adu(5, 0x83, modbus.ExceptionCodeIllegalDataAddress), wantErr: domain.ErrProtocol, requests: 1},
		{name: "bad crc", drop: 5, response: badCRC, wantErr: domain.ErrChecksum, requests: 2},
		{name: "wrong slave", drop: 5, response: adu(6, modbus.FuncCodeReadHoldingRegisters, 4, 0, 10, 0, 20), wantErr: domain.ErrParsing, requests: 2},
		{name: "short", drop: 5, response: good[:4], wantErr: domain.ErrParsing, requests: 2},
		{name: "oversized byte count", drop: 5, response: append([]byte{5, modbus.FuncCodeReadHoldingRegisters, 0xFF}, make([]byte, 300)...), wantErr: domain.ErrParsing, requests: 2},
		{name: "invalid slave address", drop: 0, response: good, wantErr: domain.ErrProtocol, requests: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &rtuDevice{respond: func([]byte) []byte { return tt.response }}
			op, sink := runOp(t, dev, rtuLink(tt.drop), poll)

			requests, last := dev.stats()
			if requests != tt.requests {
				t.Errorf("requests = %d, want %d", requests, tt.requests)
			}
			if tt.wantErr != nil {
				if !errors.Is(op.Err(), tt.wantErr) {
					t.Fatalf("Err() = %v, want %v", op.Err(), tt.wantErr)
				}
				return
			}
			if !op.Success() {
				t.Fatalf("poll failed: %v", op.Err())
			}
			if want := adu(5, modbus.FuncCodeReadHoldingRegisters, 0, 0, 0, 2); !bytes.Equal(last, want) {
				t.Errorf("request = % x, want % x", last, want)
			}
			sink.mu.Lock()
			defer sink.mu.Unlock()
			if len(sink.samples) != 1 || !reflect.DeepEqual(sink.samples[0].Samples, []int{10, 20}) {
				t.Errorf("samples = %+v", sink.samples)
			}
		})
	}
}

func TestReadADUOversized(t *testing.T) {
	req := adu(5, modbus.FuncCodeReadInputRegisters, 0, 0, 0, 2)
	resp := append([]byte{5, modbus.FuncCodeReadInputRegisters, 252}, make([]byte, 260)...)
	if _, err := readADU(bytes.NewReader(resp), req); !errors.Is(err, domain.ErrParsing) {
		t.Fatalf("readADU() = %v, want parsing error", err)
	}

	// 251 data bytes is the largest frame that fits
	resp = append([]byte{5, modbus.FuncCodeReadInputRegisters, 251}, make([]byte, 253)...)
	got, err := readADU(bytes.NewReader(resp), req)
	if err != nil {
		t.Fatalf("readADU: %v", err)
	}
	if len(got) != maxADU {
		t.Errorf("frame = %d bytes, want %d", len(got), maxADU)
	}
}

func TestWriteCommand(t *testing.T) {
	dev := &rtuDevice{respond: func(req []byte) []byte { return req }}
	op, _ := runOp(t, dev, rtuLink(5), func(d *Driver, c *domain.Controller) *comm.Operation {
		op, err := d.CommandOperation(c, comm.Command{Name: CommandWrite, Value: "0x10=7"})
		if err != nil {
			t.Fatalf("CommandOperation: %v", err)
		}
		return op
	})
	if !op.Success() {
		t.Fatalf("write failed: %v", op.Err())
	}
	_, last := dev.stats()
	if want := adu(5, modbus.FuncCodeWriteSingleRegister, 0, 0x10, 0, 7); !bytes.Equal(last, want) {
		t.Errorf("request = % x, want % x", last, want)
	}
}

func TestCommandErrors(t *testing.T) {
	drv, err := NewDriver(rtuLink(5), nil)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	c := &domain.Controller{ID: "M1", Drop: 5}
	if _, err := drv.CommandOperation(c, comm.Command{Name: "reset"}); !errors.Is(err, domain.ErrUnsupportedCommand) {
		t.Errorf("unsupported: %v", err)
	}
	for _, v := range []string{"", "10", "x=1", "1=70000"} {
		if _, err := drv.CommandOperation(c, comm.Command{Name: CommandWrite, Value: v}); !errors.Is(err, domain.ErrProtocol) {
			t.Errorf("value %q: %v", v, err)
		}
	}
}

func TestNewDriverOptions(t *testing.T) {
	l := rtuLink(5)
	l.Options = map[string]string{"register": "0x100"}
	drv, err := NewDriver(l, nil)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	if drv.register != 0x100 {
		t.Errorf("register = %#x", drv.register)
	}
	l.Options = map[string]string{"register": "70000"}
	if _, err := NewDriver(l, nil); err == nil {
		t.Error("expected error for out of range register")
	}
}
