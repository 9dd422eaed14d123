// Package discovery scans subnets for PDUs by probing the vendor
// identity OIDs over SNMP. It backs the web API's discover endpoint and
// the DHCP-recovery serial lookup.
package discovery

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/sweeney/pdu-mqtt/internal/snmp"
)

// probeConcurrency bounds simultaneous SNMP probes during a subnet scan.
const probeConcurrency = 50

// Discovered is one PDU found on the network.
type Discovered struct {
	Host              string `json:"host"`
	DeviceName        string `json:"device_name"`
	Serial            string `json:"serial"`
	Model             string `json:"model"`
	OutletCount       int    `json:"outlet_count"`
	AlreadyConfigured bool   `json:"already_configured"`
}

// ScanSubnet probes every host in the CIDR for the vendor identity OIDs
// and returns the PDUs that answered, sorted by address. Hosts in
// configuredHosts are flagged rather than skipped so the caller can show
// both new and known devices.
func ScanSubnet(subnet, community string, port int, timeout time.Duration, configuredHosts map[string]bool) ([]Discovered, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", subnet, err)
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	var (
		mu      sync.Mutex
		results []Discovered
		wg      sync.WaitGroup
		sem     = make(chan struct{}, probeConcurrency)
	)

	for addr := prefix.Masked().Addr().Next(); prefix.Contains(addr); addr = addr.Next() {
		host := addr.String()
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			found, ok := probeHost(host, community, port, timeout)
			if !ok {
				return
			}
			if configuredHosts[host] {
				found.AlreadyConfigured = true
			}
			mu.Lock()
			results = append(results, found)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Host < results[j].Host })
	return results, nil
}

// FindBySerial scans a subnet for the PDU reporting the given hardware
// serial. Returns nil when no host matches. Used by the recovery system
// to relocate a PDU that changed IP address.
func FindBySerial(serial, subnet, community string, port int, timeout time.Duration) (*Discovered, error) {
	if serial == "" {
		return nil, fmt.Errorf("empty serial")
	}
	pdus, err := ScanSubnet(subnet, community, port, timeout, nil)
	if err != nil {
		return nil, err
	}
	for i := range pdus {
		if pdus[i].Serial == serial {
			return &pdus[i], nil
		}
	}
	return nil, nil
}

// probeHost asks one host for the identity OIDs. Anything that does not
// answer with at least a device name is not a PDU.
func probeHost(host, community string, port int, timeout time.Duration) (Discovered, bool) {
	client := &gosnmp.GoSNMP{
		Target:    host,
		Port:      uint16(port),
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   0,
	}
	if err := client.Connect(); err != nil {
		return Discovered{}, false
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{
		snmp.OIDDeviceName, snmp.OIDModel, snmp.OIDSerialHW, snmp.OIDOutletCount,
	})
	if err != nil {
		return Discovered{}, false
	}

	found := Discovered{Host: host}
	for _, v := range result.Variables {
		if v.Type == gosnmp.NoSuchInstance || v.Type == gosnmp.NoSuchObject || v.Type == gosnmp.Null {
			continue
		}
		switch v.Name {
		case snmp.OIDDeviceName:
			found.DeviceName = asString(v)
		case snmp.OIDModel:
			found.Model = asString(v)
		case snmp.OIDSerialHW:
			found.Serial = asString(v)
		case snmp.OIDOutletCount:
			found.OutletCount = int(gosnmp.ToBigInt(v.Value).Int64())
		}
	}
	if found.DeviceName == "" {
		return Discovered{}, false
	}
	return found, true
}

func asString(v gosnmp.SnmpPDU) string {
	if b, ok := v.Value.([]byte); ok {
		return string(b)
	}
	return fmt.Sprintf("%v", v.Value)
}
