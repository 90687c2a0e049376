package driver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/vpbank/tag_engine/models"
)

// maxOidsPerGet bounds OIDs packed into one SNMP Get PDU.
const maxOidsPerGet = 60

// ─────────────────────────────────────────────────────────────────────────────
// SNMP driver
// ─────────────────────────────────────────────────────────────────────────────

// SNMP reads tags from an SNMP agent. Tag addresses are OIDs; connection
// parameters come from ConnectionConfig.Params:
//
//	target     agent host (required)
//	port       agent port, default 161
//	community  community string, default "public"
//	version    "1" or "2c", default "2c"
//	timeoutMs  per-request timeout, default 3000
//	retries    request retries, default 2
type SNMP struct {
	logger *slog.Logger

	mu        sync.Mutex
	cfg       models.ConnectionConfig
	session   *gosnmp.GoSNMP
	connected bool
}

// NewSNMP constructs an SNMP driver. If logger is nil, a no-op logger is
// substituted.
func NewSNMP(logger *slog.Logger) *SNMP {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &SNMP{logger: logger}
}

// newSession maps connection params to a gosnmp session. Split out from
// Connect so parameter handling is testable without a live agent.
func newSession(cfg models.ConnectionConfig) (*gosnmp.GoSNMP, error) {
	target := cfg.Param("target", "")
	if target == "" {
		return nil, fmt.Errorf("driver/snmp: connection %s: missing \"target\" param", cfg.ID)
	}

	port := 161
	if v := cfg.Param("port", ""); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("driver/snmp: connection %s: bad port %q", cfg.ID, v)
		}
		port = p
	}

	timeout := 3000
	if v := cfg.Param("timeoutMs", ""); v != "" {
		t, err := strconv.Atoi(v)
		if err != nil || t < 1 {
			return nil, fmt.Errorf("driver/snmp: connection %s: bad timeoutMs %q", cfg.ID, v)
		}
		timeout = t
	}

	retries := 2
	if v := cfg.Param("retries", ""); v != "" {
		r, err := strconv.Atoi(v)
		if err != nil || r < 0 {
			return nil, fmt.Errorf("driver/snmp: connection %s: bad retries %q", cfg.ID, v)
		}
		retries = r
	}

	g := &gosnmp.GoSNMP{
		Target:    target,
		Port:      uint16(port),
		Community: cfg.Param("community", "public"),
		Timeout:   time.Duration(timeout) * time.Millisecond,
		Retries:   retries,
		MaxOids:   maxOidsPerGet,
	}

	switch v := cfg.Param("version", "2c"); v {
	case "1":
		g.Version = gosnmp.Version1
	case "2c":
		g.Version = gosnmp.Version2c
	default:
		return nil, fmt.Errorf("driver/snmp: connection %s: unsupported version %q", cfg.ID, v)
	}
	return g, nil
}

// Connect builds and opens the session.
func (d *SNMP) Connect(ctx context.Context, cfg models.ConnectionConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g, err := newSession(cfg)
	if err != nil {
		return err
	}
	if err := g.Connect(); err != nil {
		return fmt.Errorf("driver/snmp: connect %s:%d: %w", g.Target, g.Port, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		d.session.Conn.Close()
	}
	d.cfg = cfg
	d.session = g
	d.connected = true
	return nil
}

// Disconnect closes the transport; the driver may be reconnected.
func (d *SNMP) Disconnect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil && d.session.Conn != nil {
		d.session.Conn.Close()
	}
	d.connected = false
	return nil
}

// Connected reports whether the session is open.
func (d *SNMP) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Close is Disconnect plus invalidation.
func (d *SNMP) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil && d.session.Conn != nil {
		d.session.Conn.Close()
	}
	d.session = nil
	d.connected = false
	return nil
}

// ReadTags issues Get requests in MaxOids-sized chunks and maps each varbind
// back to its tag. Unresolvable varbinds (noSuchObject, noSuchInstance)
// produce a bad-quality value rather than failing the cycle.
func (d *SNMP) ReadTags(ctx context.Context, tags []models.TagConfig) (map[string]models.TagValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	session := d.session
	cfg := d.cfg
	connected := d.connected
	d.mu.Unlock()
	if !connected || session == nil {
		return nil, fmt.Errorf("driver/snmp: not connected")
	}

	// OID → tag index; duplicate addresses resolve to the last tag.
	byOID := make(map[string]*models.TagConfig, len(tags))
	oids := make([]string, 0, len(tags))
	for i := range tags {
		oid := canonicalOID(tags[i].Address)
		byOID[oid] = &tags[i]
		oids = append(oids, oid)
	}

	now := time.Now().UTC()
	out := make(map[string]models.TagValue, len(tags))
	for start := 0; start < len(oids); start += maxOidsPerGet {
		end := start + maxOidsPerGet
		if end > len(oids) {
			end = len(oids)
		}
		pkt, err := session.Get(oids[start:end])
		if err != nil {
			return nil, fmt.Errorf("driver/snmp: get %d oids from %s: %w", end-start, session.Target, err)
		}
		for _, vb := range pkt.Variables {
			tag, ok := byOID[canonicalOID(vb.Name)]
			if !ok {
				continue
			}
			out[tag.ID] = d.convertVarbind(cfg, tag, vb, now)
		}
	}
	return out, nil
}

// WriteTag issues one Set. Value mapping: integers → Integer, booleans →
// Integer 0/1, floats → OpaqueFloat, everything else → OctetString.
func (d *SNMP) WriteTag(ctx context.Context, tag models.TagConfig, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	session := d.session
	connected := d.connected
	d.mu.Unlock()
	if !connected || session == nil {
		return fmt.Errorf("driver/snmp: write %s: not connected", tag.Name)
	}

	pdu := gosnmp.SnmpPDU{Name: canonicalOID(tag.Address)}
	switch tag.DataType {
	case models.TypeBool:
		b, _ := models.ToBool(value)
		pdu.Type = gosnmp.Integer
		if b {
			pdu.Value = 1
		} else {
			pdu.Value = 0
		}
	case models.TypeInt16, models.TypeInt32, models.TypeInt64:
		f, ok := models.ToFloat(value)
		if !ok {
			return fmt.Errorf("driver/snmp: write %s: value %v is not numeric", tag.Name, value)
		}
		pdu.Type = gosnmp.Integer
		pdu.Value = int(f)
	case models.TypeFloat, models.TypeDouble:
		f, ok := models.ToFloat(value)
		if !ok {
			return fmt.Errorf("driver/snmp: write %s: value %v is not numeric", tag.Name, value)
		}
		pdu.Type = gosnmp.OpaqueFloat
		pdu.Value = float32(f)
	default:
		pdu.Type = gosnmp.OctetString
		pdu.Value = fmt.Sprintf("%v", value)
	}

	if _, err := session.Set([]gosnmp.SnmpPDU{pdu}); err != nil {
		return fmt.Errorf("driver/snmp: set %s (%s): %w", tag.Name, pdu.Name, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Varbind conversion
// ─────────────────────────────────────────────────────────────────────────────

// convertVarbind turns one SNMP varbind into a TagValue typed per the tag.
func (d *SNMP) convertVarbind(cfg models.ConnectionConfig, tag *models.TagConfig, vb gosnmp.SnmpPDU, now time.Time) models.TagValue {
	tv := models.TagValue{
		ConnectionID: cfg.ID,
		TagID:        tag.ID,
		TagName:      tag.Name,
		TagPath:      models.JoinTagPath(cfg.Name, tag.Name),
		DataType:     tag.DataType,
		Quality:      models.QualityGood,
		Timestamp:    now,
	}

	switch vb.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		tv.Quality = models.QualityBad
		tv.Value = nil
		return tv
	}

	var raw any
	switch v := vb.Value.(type) {
	case []byte:
		raw = string(v)
	default:
		raw = v
	}

	switch tag.DataType {
	case models.TypeFloat, models.TypeDouble:
		if f, ok := models.ToFloat(raw); ok {
			tv.Value = tag.ApplyScaling(f)
		} else {
			tv.Quality = models.QualityUncertain
			tv.Value = raw
		}
	case models.TypeInt16, models.TypeInt32, models.TypeInt64:
		if f, ok := models.ToFloat(raw); ok {
			tv.Value = int64(tag.ApplyScaling(f))
		} else {
			tv.Quality = models.QualityUncertain
			tv.Value = raw
		}
	case models.TypeBool:
		if b, ok := models.ToBool(raw); ok {
			tv.Value = b
		} else {
			tv.Quality = models.QualityUncertain
			tv.Value = raw
		}
	default:
		tv.Value = fmt.Sprintf("%v", raw)
	}
	return tv
}

// canonicalOID strips a leading dot so map lookups are stable regardless of
// how the agent or the config spells the OID.
func canonicalOID(oid string) string {
	return strings.TrimPrefix(strings.TrimSpace(oid), ".")
}
