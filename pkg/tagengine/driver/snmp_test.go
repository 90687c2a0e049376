package driver

import (
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/vpbank/tag_engine/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Session parameter mapping
// ─────────────────────────────────────────────────────────────────────────────

func snmpConnection(params map[string]string) models.ConnectionConfig {
	return models.ConnectionConfig{
		ID: "snmp-1", Name: "Agent", DriverType: "snmp", Enabled: true,
		Params: params,
	}
}

func TestNewSessionDefaults(t *testing.T) {
	g, err := newSession(snmpConnection(map[string]string{"target": "10.0.0.5"}))
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	if g.Target != "10.0.0.5" {
		t.Errorf("Target = %q, want 10.0.0.5", g.Target)
	}
	if g.Port != 161 {
		t.Errorf("Port = %d, want 161", g.Port)
	}
	if g.Community != "public" {
		t.Errorf("Community = %q, want public", g.Community)
	}
	if g.Version != gosnmp.Version2c {
		t.Errorf("Version = %v, want 2c", g.Version)
	}
	if g.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", g.Timeout)
	}
	if g.Retries != 2 {
		t.Errorf("Retries = %d, want 2", g.Retries)
	}
}

func TestNewSessionOverrides(t *testing.T) {
	g, err := newSession(snmpConnection(map[string]string{
		"target": "router.local", "port": "1161", "community": "private",
		"version": "1", "timeoutMs": "750", "retries": "0",
	}))
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	if g.Port != 1161 || g.Community != "private" || g.Version != gosnmp.Version1 {
		t.Errorf("overrides not applied: port=%d community=%q version=%v", g.Port, g.Community, g.Version)
	}
	if g.Timeout != 750*time.Millisecond || g.Retries != 0 {
		t.Errorf("timeout/retries = %v/%d, want 750ms/0", g.Timeout, g.Retries)
	}
}

func TestNewSessionRejectsBadParams(t *testing.T) {
	cases := []struct {
		name   string
		params map[string]string
	}{
		{"missing target", map[string]string{}},
		{"bad port", map[string]string{"target": "h", "port": "99999"}},
		{"bad version", map[string]string{"target": "h", "version": "3"}},
		{"bad timeout", map[string]string{"target": "h", "timeoutMs": "abc"}},
		{"negative retries", map[string]string{"target": "h", "retries": "-1"}},
	}
	for _, tc := range cases {
		if _, err := newSession(snmpConnection(tc.params)); err == nil {
			t.Errorf("%s: newSession succeeded, want error", tc.name)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Varbind conversion
// ─────────────────────────────────────────────────────────────────────────────

func TestConvertVarbind(t *testing.T) {
	d := NewSNMP(nil)
	cfg := snmpConnection(map[string]string{"target": "h"})
	now := time.Now().UTC()

	scale := 0.1
	cases := []struct {
		name    string
		tag     models.TagConfig
		vb      gosnmp.SnmpPDU
		want    any
		quality models.Quality
	}{
		{
			name: "integer to f64 with scaling",
			tag:  models.TagConfig{ID: "t1", Name: "Temp", DataType: models.TypeDouble, Scale: &scale},
			vb:   gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.1.1.0", Type: gosnmp.Integer, Value: 250},
			want: 25.0, quality: models.QualityGood,
		},
		{
			name: "octet string to string",
			tag:  models.TagConfig{ID: "t2", Name: "Descr", DataType: models.TypeString},
			vb:   gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.1.1.0", Type: gosnmp.OctetString, Value: []byte("hello")},
			want: "hello", quality: models.QualityGood,
		},
		{
			name: "counter to i64",
			tag:  models.TagConfig{ID: "t3", Name: "InOctets", DataType: models.TypeInt64},
			vb:   gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.2.2.1.10", Type: gosnmp.Counter64, Value: uint64(12345)},
			want: int64(12345), quality: models.QualityGood,
		},
		{
			name: "noSuchObject is bad quality",
			tag:  models.TagConfig{ID: "t4", Name: "Gone", DataType: models.TypeDouble},
			vb:   gosnmp.SnmpPDU{Name: ".1.3.6.1.9", Type: gosnmp.NoSuchObject},
			want: nil, quality: models.QualityBad,
		},
		{
			name: "non-numeric into numeric tag is uncertain",
			tag:  models.TagConfig{ID: "t5", Name: "Odd", DataType: models.TypeDouble},
			vb:   gosnmp.SnmpPDU{Name: ".1.3.6.1.8", Type: gosnmp.OctetString, Value: []byte("n/a")},
			want: "n/a", quality: models.QualityUncertain,
		},
	}

	for _, tc := range cases {
		tv := d.convertVarbind(cfg, &tc.tag, tc.vb, now)
		if tv.Value != tc.want {
			t.Errorf("%s: value = %v (%T), want %v", tc.name, tv.Value, tv.Value, tc.want)
		}
		if tv.Quality != tc.quality {
			t.Errorf("%s: quality = %v, want %v", tc.name, tv.Quality, tc.quality)
		}
		if tv.ConnectionID != "snmp-1" {
			t.Errorf("%s: ConnectionID = %q", tc.name, tv.ConnectionID)
		}
	}
}

func TestCanonicalOID(t *testing.T) {
	if got := canonicalOID(" .1.3.6.1 "); got != "1.3.6.1" {
		t.Errorf("canonicalOID = %q, want 1.3.6.1", got)
	}
	if got := canonicalOID("1.3.6.1"); got != "1.3.6.1" {
		t.Errorf("canonicalOID without dot = %q, want 1.3.6.1", got)
	}
}
