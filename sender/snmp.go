package sender

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Enterprise OID prefix for pulse trap varbinds.
const pulseOIDBase = ".1.3.6.1.4.1.57264.1"

// SNMPSender transmits alerts as SNMP traps. Config keys: host, port,
// version ("2c" or "3"); for v2c: community; for v3: username, auth_proto,
// auth_pass, priv_proto, priv_pass.
type SNMPSender struct {
	guard *Guard
}

func NewSNMPSender(guard *Guard) *SNMPSender {
	return &SNMPSender{guard: guard}
}

func (s *SNMPSender) Kind() string { return "snmp" }

func (s *SNMPSender) Send(ctx context.Context, p Payload, cfg map[string]string) error {
	host := cfg["host"]
	if host == "" {
		return fmt.Errorf("snmp: missing host in integration config")
	}
	if err := s.guard.CheckHost(host); err != nil {
		return err
	}

	port := uint16(162)
	if ps := cfg["port"]; ps != "" {
		n, err := strconv.ParseUint(ps, 10, 16)
		if err != nil {
			return fmt.Errorf("snmp: bad port %q", ps)
		}
		port = uint16(n)
	}

	g := &gosnmp.GoSNMP{
		Target:  host,
		Port:    port,
		Timeout: 5 * time.Second,
		Retries: 0, // the delivery worker owns retry policy
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < g.Timeout {
			g.Timeout = remaining
		}
	}

	switch cfg["version"] {
	case "", "2c":
		g.Version = gosnmp.Version2c
		g.Community = cfg["community"]
		if g.Community == "" {
			return fmt.Errorf("snmp: v2c requires a community string")
		}
	case "3":
		g.Version = gosnmp.Version3
		g.SecurityModel = gosnmp.UserSecurityModel
		g.MsgFlags = gosnmp.AuthPriv
		g.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 cfg["username"],
			AuthenticationProtocol:   authProto(cfg["auth_proto"]),
			AuthenticationPassphrase: cfg["auth_pass"],
			PrivacyProtocol:          privProto(cfg["priv_proto"]),
			PrivacyPassphrase:        cfg["priv_pass"],
		}
	default:
		return fmt.Errorf("snmp: unsupported version %q", cfg["version"])
	}

	if err := g.Connect(); err != nil {
		return fmt.Errorf("snmp: connect: %w", err)
	}
	defer g.Conn.Close()

	trap := gosnmp.SnmpTrap{
		Variables: []gosnmp.SnmpPDU{
			strPDU(pulseOIDBase+".1", p.TenantID),
			strPDU(pulseOIDBase+".2", p.DeviceID),
			strPDU(pulseOIDBase+".3", p.AlertType),
			strPDU(pulseOIDBase+".4", p.Severity),
			strPDU(pulseOIDBase+".5", p.Message),
			strPDU(pulseOIDBase+".6", p.CorrelationID),
		},
	}
	if _, err := g.SendTrap(trap); err != nil {
		return fmt.Errorf("snmp: send trap: %w", err)
	}
	return nil
}

func strPDU(oid, value string) gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.OctetString, Value: value}
}

func authProto(name string) gosnmp.SnmpV3AuthProtocol {
	switch name {
	case "MD5":
		return gosnmp.MD5
	case "SHA256":
		return gosnmp.SHA256
	default:
		return gosnmp.SHA
	}
}

func privProto(name string) gosnmp.SnmpV3PrivProtocol {
	switch name {
	case "DES":
		return gosnmp.DES
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.AES
	}
}
