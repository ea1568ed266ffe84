// Package ntcip reads NTCIP objects from field controllers with SNMP
// GET requests. The gosnmp codec builds and parses the messages; the link
// messenger owns the socket.
package ntcip

import (
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync/atomic"

	"github.com/gosnmp/gosnmp"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

const (
	OIDSysDescr         = "1.3.6.1.2.1.1.1.0"
	OIDShortErrorStatus = "1.3.6.1.4.1.1206.4.2.3.9.7.1.0"

	maxMessage = 65507
)

var lastRequestID atomic.Uint32

func init() {
	lastRequestID.Store(rand.Uint32() >> 1)
}

func nextRequestID() uint32 {
	// request ids are encoded as a signed INTEGER
	return lastRequestID.Add(1) & 0x7FFFFFFF
}

// GetProperty reads a set of objects with one GET request.
type GetProperty struct {
	version   gosnmp.SnmpVersion
	community string
	oids      []string
	requestID uint32
	values    map[string]gosnmp.SnmpPDU
}

// NewGetProperty creates a GET for oids.
func NewGetProperty(version gosnmp.SnmpVersion, community string, oids ...string) *GetProperty {
	return &GetProperty{version: version, community: community, oids: oids}
}

// EncodeQuery writes the GET request. Each call uses a new request id.
func (p *GetProperty) EncodeQuery(c *domain.Controller, w io.Writer) error {
	if len(p.oids) == 0 {
		return fmt.Errorf("%w: no objects to get", domain.ErrProtocol)
	}
	vars := make([]gosnmp.SnmpPDU, len(p.oids))
	for i, oid := range p.oids {
		vars[i] = gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Null}
	}
	p.requestID = nextRequestID()
	pkt := &gosnmp.SnmpPacket{
		Version:   p.version,
		Community: p.community,
		PDUType:   gosnmp.GetRequest,
		RequestID: p.requestID,
		Variables: vars,
	}
	buf, err := pkt.MarshalMsg()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	_, err = w.Write(buf)
	return err
}

// DecodeQuery parses the GET response.
func (p *GetProperty) DecodeQuery(c *domain.Controller, r io.Reader) error {
	buf, err := io.ReadAll(io.LimitReader(r, maxMessage))
	if err != nil {
		return err
	}
	dec := &gosnmp.GoSNMP{Version: p.version, Community: p.community}
	pkt, err := dec.SnmpDecodePacket(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrParsing, err)
	}
	if pkt.PDUType != gosnmp.GetResponse {
		return fmt.Errorf("%w: pdu type %v", domain.ErrParsing, pkt.PDUType)
	}
	if pkt.RequestID != p.requestID {
		return fmt.Errorf("%w: request id %d, expected %d", domain.ErrParsing, pkt.RequestID, p.requestID)
	}
	if pkt.Error != gosnmp.NoError {
		name := ""
		if i := int(pkt.ErrorIndex) - 1; i >= 0 && i < len(p.oids) {
			name = " " + p.oids[i]
		}
		return fmt.Errorf("%w: snmp %v%s", domain.ErrProtocol, pkt.Error, name)
	}
	values := make(map[string]gosnmp.SnmpPDU, len(pkt.Variables))
	for _, v := range pkt.Variables {
		switch v.Type {
		case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
			return fmt.Errorf("%w: %s %v", domain.ErrProtocol, v.Name, v.Type)
		}
		values[strings.TrimPrefix(v.Name, ".")] = v
	}
	for _, oid := range p.oids {
		if _, ok := values[oid]; !ok {
			return fmt.Errorf("%w: missing %s", domain.ErrParsing, oid)
		}
	}
	p.values = values
	return nil
}

// String returns an OCTET STRING value.
func (p *GetProperty) String(oid string) (string, error) {
	v, ok := p.values[oid]
	if !ok {
		return "", fmt.Errorf("%w: no value for %s", domain.ErrParsing, oid)
	}
	switch b := v.Value.(type) {
	case []byte:
		return string(b), nil
	case string:
		return b, nil
	default:
		return "", fmt.Errorf("%w: %s is %v, not a string", domain.ErrParsing, oid, v.Type)
	}
}

// Int returns an INTEGER value.
func (p *GetProperty) Int(oid string) (int64, error) {
	v, ok := p.values[oid]
	if !ok {
		return 0, fmt.Errorf("%w: no value for %s", domain.ErrParsing, oid)
	}
	switch v.Type {
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.Uinteger32, gosnmp.TimeTicks:
		return gosnmp.ToBigInt(v.Value).Int64(), nil
	default:
		return 0, fmt.Errorf("%w: %s is %v, not an integer", domain.ErrParsing, oid, v.Type)
	}
}
