package snmp

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/sweeney/pdu-mqtt/internal/pdu"
)

// batchSize limits OIDs per GET request; large switched PDUs exceed what
// some firmware accepts in a single PDU.
const batchSize = 20

// Config holds the SNMP connection parameters for one device.
type Config struct {
	Host           string
	Port           int
	CommunityRead  string
	CommunityWrite string
	Timeout        time.Duration
	Retries        int
	DefaultBanks   int // used when the device does not report a bank count
}

// Transport talks to one PDU over SNMP v2c and implements pdu.Transport.
// All operations are serialized with an internal mutex; the poller and
// the command dispatcher may call in concurrently.
type Transport struct {
	pdu.HealthTracker

	mu    sync.Mutex
	cfg   Config
	read  *gosnmp.GoSNMP
	write *gosnmp.GoSNMP

	// Cached at startup.
	outletCount int
	numBanks    int
	bankAssigns map[int]int
	maxLoads    map[int]float64
}

// New creates an unconnected transport. Call Connect before polling.
func New(cfg Config) *Transport {
	if cfg.Port == 0 {
		cfg.Port = 161
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.DefaultBanks < 1 {
		cfg.DefaultBanks = 2
	}
	return &Transport{
		cfg:         cfg,
		bankAssigns: map[int]int{},
		maxLoads:    map[int]float64{},
	}
}

func (t *Transport) newClient(community string) *gosnmp.GoSNMP {
	return &gosnmp.GoSNMP{
		Target:    t.cfg.Host,
		Port:      uint16(t.cfg.Port),
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   t.cfg.Timeout,
		Retries:   t.cfg.Retries,
		MaxOids:   batchSize,
	}
}

// Connect opens the read and write sessions. Idempotent.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectLocked()
}

func (t *Transport) connectLocked() error {
	if t.read == nil {
		c := t.newClient(t.cfg.CommunityRead)
		if err := c.Connect(); err != nil {
			t.Failure(err)
			return fmt.Errorf("snmp connect %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
		}
		t.read = c
	}
	if t.write == nil {
		c := t.newClient(t.cfg.CommunityWrite)
		if err := c.Connect(); err != nil {
			t.Failure(err)
			return fmt.Errorf("snmp connect (write) %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
		}
		t.write = c
	}
	return nil
}

// getMany fetches oids in batches, returning parsed values keyed by OID.
// Missing objects (NoSuchInstance/NoSuchObject) are simply absent from
// the result, matching how older firmware omits unsupported tables.
func (t *Transport) getMany(oids []string) (map[string]any, error) {
	if err := t.connectLocked(); err != nil {
		return nil, err
	}

	values := make(map[string]any, len(oids))
	for i := 0; i < len(oids); i += batchSize {
		end := i + batchSize
		if end > len(oids) {
			end = len(oids)
		}
		result, err := t.read.Get(oids[i:end])
		if err != nil {
			t.Failure(err)
			// Drop the connection so the next call redials cleanly.
			t.closeLocked()
			return nil, fmt.Errorf("snmp get %s: %w", t.cfg.Host, err)
		}
		for _, v := range result.Variables {
			if v.Type == gosnmp.NoSuchInstance || v.Type == gosnmp.NoSuchObject || v.Type == gosnmp.Null {
				continue
			}
			values[v.Name] = parseVariable(v)
		}
	}
	t.Success()
	return values, nil
}

func parseVariable(v gosnmp.SnmpPDU) any {
	switch v.Type {
	case gosnmp.OctetString:
		if b, ok := v.Value.([]byte); ok {
			return string(b)
		}
		return fmt.Sprintf("%v", v.Value)
	default:
		return gosnmp.ToBigInt(v.Value).Int64()
	}
}

func getInt(values map[string]any, oid string) (int64, bool) {
	v, ok := values[oid]
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

func getStr(values map[string]any, oid string) string {
	v, ok := values[oid]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// tenths converts a raw tenths-scaled reading to a float pointer.
func tenths(values map[string]any, oid string) *float64 {
	if n, ok := getInt(values, oid); ok {
		return pdu.Float(float64(n) / 10.0)
	}
	return nil
}

// Identity queries the identity and MIB-II scalars once at startup.
func (t *Transport) Identity() (*pdu.Identity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	values, err := t.getMany([]string{
		OIDDeviceName, OIDFwMain, OIDFwSecondary, OIDSerialNum, OIDModel,
		OIDSerialHW, OIDHwRev, OIDOutletCount, OIDPhaseCount, OIDMaxCurrent,
		OIDSysDescr, OIDSysUptime, OIDSysContact, OIDSysName, OIDSysLocation,
	})
	if err != nil {
		return nil, err
	}

	ident := &pdu.Identity{
		Serial:            getStr(values, OIDSerialHW),
		SerialNumeric:     getStr(values, OIDSerialNum),
		Model:             getStr(values, OIDModel),
		Name:              getStr(values, OIDDeviceName),
		FirmwareMain:      getStr(values, OIDFwMain),
		FirmwareSecondary: getStr(values, OIDFwSecondary),
		SysDescription:    getStr(values, OIDSysDescr),
		SysContact:        getStr(values, OIDSysContact),
		SysName:           getStr(values, OIDSysName),
		SysLocation:       getStr(values, OIDSysLocation),
	}
	if n, ok := getInt(values, OIDHwRev); ok {
		ident.HardwareRev = int(n)
	}
	if n, ok := getInt(values, OIDMaxCurrent); ok {
		ident.MaxCurrent = float64(n) / 10.0
	}
	if n, ok := getInt(values, OIDOutletCount); ok {
		ident.OutletCount = int(n)
	}
	if n, ok := getInt(values, OIDPhaseCount); ok {
		ident.PhaseCount = int(n)
	} else {
		ident.PhaseCount = 1
	}
	if n, ok := getInt(values, OIDSysUptime); ok {
		ident.SysUptime = n
	}

	t.outletCount = ident.OutletCount
	return ident, nil
}

// DiscoverNumBanks reads the bank-table size, falling back to the
// configured default when the OID is absent or nonsense.
func (t *Transport) DiscoverNumBanks() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	values, err := t.getMany([]string{OIDNumBankTableEntries})
	if err != nil {
		return 0, err
	}
	if n, ok := getInt(values, OIDNumBankTableEntries); ok && n >= 1 {
		t.numBanks = int(n)
		return int(n), nil
	}
	log.Printf("snmp %s: no bank count reported, using default %d", t.cfg.Host, t.cfg.DefaultBanks)
	t.numBanks = t.cfg.DefaultBanks
	return t.cfg.DefaultBanks, nil
}

// QueryStartupData fetches per-outlet bank assignments and max loads.
// The results are cached and folded into every snapshot.
func (t *Transport) QueryStartupData(outletCount int) (map[int]int, map[int]float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if outletCount <= 0 {
		return nil, nil, nil
	}
	oids := make([]string, 0, outletCount*2)
	for n := 1; n <= outletCount; n++ {
		oids = append(oids, oidOutletBankAssignment(n), oidOutletMaxLoad(n))
	}
	values, err := t.getMany(oids)
	if err != nil {
		return nil, nil, err
	}

	assigns := map[int]int{}
	maxLoads := map[int]float64{}
	for n := 1; n <= outletCount; n++ {
		if v, ok := getInt(values, oidOutletBankAssignment(n)); ok {
			assigns[n] = int(v)
		}
		if v, ok := getInt(values, oidOutletMaxLoad(n)); ok {
			maxLoads[n] = float64(v) / 10.0
		}
	}
	t.outletCount = outletCount
	t.bankAssigns = assigns
	t.maxLoads = maxLoads
	return assigns, maxLoads, nil
}

// Poll reads every live OID and assembles one snapshot.
func (t *Transport) Poll() (*pdu.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	outletCount := t.outletCount
	numBanks := t.numBanks
	if numBanks < 1 {
		numBanks = t.cfg.DefaultBanks
	}

	oids := []string{
		OIDDeviceName, OIDOutletCount, OIDPhaseCount,
		OIDInputVoltage, OIDInputFrequency,
		OIDATSPreferredSource, OIDATSCurrentSource, OIDATSAutoTransfer,
		OIDSourceAVoltage, OIDSourceBVoltage,
		OIDSourceAFreq, OIDSourceBFreq,
		OIDSourceAStatus, OIDSourceBStatus,
		OIDSourceRedundant,
		OIDSysUptime,
	}
	for n := 1; n <= outletCount; n++ {
		oids = append(oids,
			oidOutletName(n), oidOutletState(n),
			oidOutletCurrent(n), oidOutletPower(n), oidOutletEnergy(n))
	}
	for i := 1; i <= numBanks; i++ {
		oids = append(oids,
			oidBankCurrent(i), oidBankLoadState(i), oidBankVoltage(i),
			oidBankActivePower(i), oidBankApparentPower(i),
			oidBankPowerFactor(i), oidBankEnergy(i), oidBankTimestamp(i))
	}

	values, err := t.getMany(oids)
	if err != nil {
		return nil, err
	}

	snap := &pdu.Snapshot{
		DeviceName:      getStr(values, OIDDeviceName),
		OutletCount:     outletCount,
		PhaseCount:      1,
		InputVoltage:    tenths(values, OIDInputVoltage),
		InputFrequency:  tenths(values, OIDInputFrequency),
		Outlets:         make(map[int]*pdu.Outlet, outletCount),
		Banks:           make(map[int]*pdu.Bank, numBanks),
		ATSAutoTransfer: true,
	}
	if n, ok := getInt(values, OIDOutletCount); ok && n > 0 {
		snap.OutletCount = int(n)
	}
	if n, ok := getInt(values, OIDPhaseCount); ok && n > 0 {
		snap.PhaseCount = int(n)
	}
	if n, ok := getInt(values, OIDSysUptime); ok {
		snap.SysUptime = n
	}

	for n := 1; n <= outletCount; n++ {
		o := &pdu.Outlet{
			Number: n,
			Name:   getStr(values, oidOutletName(n)),
			State:  pdu.StateUnknown,
		}
		if s, ok := getInt(values, oidOutletState(n)); ok {
			if name, known := outletStateNames[int(s)]; known {
				o.State = name
			}
		}
		if raw, ok := getInt(values, oidOutletCurrent(n)); ok {
			// Metering floor: the device reports 0.2A on idle outlets.
			if raw <= 2 {
				o.Current = pdu.Float(0)
			} else {
				o.Current = pdu.Float(float64(raw) / 10.0)
			}
		}
		if raw, ok := getInt(values, oidOutletPower(n)); ok {
			// Metering floor: 1W on idle outlets.
			if raw <= 1 {
				o.Power = pdu.Float(0)
			} else {
				o.Power = pdu.Float(float64(raw))
			}
		}
		if raw, ok := getInt(values, oidOutletEnergy(n)); ok {
			o.Energy = pdu.Float(float64(raw) / 10.0)
		}
		if bank, ok := t.bankAssigns[n]; ok {
			o.BankAssignment = pdu.Int(bank)
		}
		if maxLoad, ok := t.maxLoads[n]; ok {
			o.MaxLoad = pdu.Float(maxLoad)
		}
		snap.Outlets[n] = o
	}

	for i := 1; i <= numBanks; i++ {
		b := &pdu.Bank{
			Number:     i,
			Voltage:    tenths(values, oidBankVoltage(i)),
			Current:    tenths(values, oidBankCurrent(i)),
			Energy:     tenths(values, oidBankEnergy(i)),
			LoadState:  pdu.StateUnknown,
			LastUpdate: getStr(values, oidBankTimestamp(i)),
		}
		if raw, ok := getInt(values, oidBankActivePower(i)); ok {
			b.Power = pdu.Float(float64(raw))
		}
		if raw, ok := getInt(values, oidBankApparentPower(i)); ok {
			b.ApparentPower = pdu.Float(float64(raw))
		}
		if raw, ok := getInt(values, oidBankPowerFactor(i)); ok {
			b.PowerFactor = pdu.Float(float64(raw) / 100.0)
		}
		if s, ok := getInt(values, oidBankLoadState(i)); ok {
			if name, known := pdu.BankLoadStates[int(s)]; known {
				b.LoadState = name
			}
		}
		snap.Banks[i] = b
	}

	if n, ok := getInt(values, OIDATSPreferredSource); ok {
		snap.ATSPreferredSource = pdu.Int(int(n))
	}
	if n, ok := getInt(values, OIDATSCurrentSource); ok {
		snap.ATSCurrentSource = pdu.Int(int(n))
	}
	if n, ok := getInt(values, OIDATSAutoTransfer); ok {
		snap.ATSAutoTransfer = n == 1
	}

	snap.SourceA = parseSource(values, OIDSourceAVoltage, OIDSourceAFreq, OIDSourceAStatus)
	snap.SourceB = parseSource(values, OIDSourceBVoltage, OIDSourceBFreq, OIDSourceBStatus)
	if n, ok := getInt(values, OIDSourceRedundant); ok {
		snap.RedundancyOK = pdu.Bool(n == 2)
	}

	return snap, nil
}

func parseSource(values map[string]any, voltOID, freqOID, statusOID string) *pdu.Source {
	s := &pdu.Source{
		Voltage:       tenths(values, voltOID),
		Frequency:     tenths(values, freqOID),
		VoltageStatus: pdu.StateUnknown,
	}
	if raw, ok := getInt(values, statusOID); ok {
		s.VoltageStatusRaw = pdu.Int(int(raw))
		if name, known := pdu.SourceVoltageStatuses[int(raw)]; known {
			s.VoltageStatus = name
		}
	}
	if s.Voltage == nil && s.Frequency == nil && s.VoltageStatusRaw == nil {
		return nil
	}
	return s
}

// CommandOutlet issues an SNMP SET on the outlet command OID. Only on,
// off, and reboot are supported over SNMP; delayed commands and cancel
// are rejected without a request.
func (t *Transport) CommandOutlet(outlet int, action string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cmd int
	switch action {
	case pdu.ActionOn:
		cmd = cmdOn
	case pdu.ActionOff:
		cmd = cmdOff
	case pdu.ActionReboot:
		cmd = cmdReboot
	default:
		return false
	}
	return t.setLocked(oidOutletCommand(outlet), gosnmp.Integer, cmd)
}

// SetDeviceField writes the device name or location.
func (t *Transport) SetDeviceField(field, value string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var oid string
	switch field {
	case "name":
		oid = OIDDeviceName
	case "location":
		oid = OIDSysLocation
	default:
		return false
	}
	return t.setLocked(oid, gosnmp.OctetString, value)
}

func (t *Transport) setLocked(oid string, typ gosnmp.Asn1BER, value any) bool {
	if err := t.connectLocked(); err != nil {
		return false
	}
	result, err := t.write.Set([]gosnmp.SnmpPDU{{Name: oid, Type: typ, Value: value}})
	if err != nil {
		t.Failure(err)
		return false
	}
	if result.Error != gosnmp.NoError {
		t.Failure(fmt.Errorf("snmp set %s: %v", oid, result.Error))
		return false
	}
	t.Success()
	return true
}

// UpdateTarget repoints the transport at a new host (and port if
// non-zero) and drops the open sessions so the next call redials.
func (t *Transport) UpdateTarget(host string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Host = host
	if port != 0 {
		t.cfg.Port = port
	}
	t.closeLocked()
}

// Close drops both SNMP sessions.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *Transport) closeLocked() {
	if t.read != nil && t.read.Conn != nil {
		t.read.Conn.Close()
	}
	if t.write != nil && t.write.Conn != nil {
		t.write.Conn.Close()
	}
	t.read = nil
	t.write = nil
}
