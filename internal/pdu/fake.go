package pdu

import "sync"

// CommandCall records one CommandOutlet invocation on a FakeTransport.
type CommandCall struct {
	Outlet int
	Action string
}

// FakeTransport is a test double for Transport.
//
// Single-snapshot mode: pre-seed Snapshot; every Poll returns it.
// Sequence mode: pre-seed Sequence; each Poll advances through the list
// and repeats the last element once exhausted, simulating a steady
// post-event state. Set PollErr to fail every poll, or FailNext to fail
// only the next N polls (then succeed again); each failure increments
// the consecutive-failure counter exactly like a real transport.
type FakeTransport struct {
	mu sync.Mutex
	HealthTracker

	Ident        Identity
	IdentityErr  error
	NumBanks     int
	BankAssigns  map[int]int
	MaxLoads     map[int]float64
	Snapshot     *Snapshot
	Sequence     []*Snapshot
	PollErr      error
	FailNext     int
	CommandOK    bool
	SetFieldOK   bool

	PollCount     int
	Commands      []CommandCall
	FieldsSet     map[string]string
	TargetHost    string
	TargetPort    int
	TargetUpdates int
	Connected     bool
	Closed        bool
}

// NewFakeTransport returns a fake with a healthy default identity and
// successful commands.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		Ident: Identity{
			Serial:      "FAKE000001",
			Model:       "PDU44001",
			Name:        "Fake PDU",
			OutletCount: 10,
			PhaseCount:  1,
		},
		NumBanks:   2,
		CommandOK:  true,
		SetFieldOK: true,
		FieldsSet:  map[string]string{},
	}
}

// Connect marks the fake connected.
func (f *FakeTransport) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connected = true
	return nil
}

// Identity returns the pre-seeded identity or IdentityErr.
func (f *FakeTransport) Identity() (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.IdentityErr != nil {
		f.Failure(f.IdentityErr)
		return nil, f.IdentityErr
	}
	f.Success()
	ident := f.Ident
	return &ident, nil
}

// DiscoverNumBanks returns the pre-seeded bank count (minimum 1).
func (f *FakeTransport) DiscoverNumBanks() (int, error) {
	if f.NumBanks < 1 {
		return 1, nil
	}
	return f.NumBanks, nil
}

// QueryStartupData returns the pre-seeded assignment and max-load maps.
func (f *FakeTransport) QueryStartupData(int) (map[int]int, map[int]float64, error) {
	return f.BankAssigns, f.MaxLoads, nil
}

// Poll returns the snapshot for the current call index, or an injected
// error. Snapshots are shallow-copied so the caller owns the top level.
func (f *FakeTransport) Poll() (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PollCount++

	if f.PollErr != nil {
		f.Failure(f.PollErr)
		return nil, f.PollErr
	}
	if f.FailNext > 0 {
		f.FailNext--
		err := errTimeout
		f.Failure(err)
		return nil, err
	}

	src := f.Snapshot
	if len(f.Sequence) > 0 {
		idx := f.PollCount - 1
		if idx >= len(f.Sequence) {
			idx = len(f.Sequence) - 1 // repeat last element
		}
		src = f.Sequence[idx]
	}
	if src == nil {
		src = &Snapshot{Outlets: map[int]*Outlet{}, Banks: map[int]*Bank{}}
	}
	f.Success()
	out := *src
	return &out, nil
}

// CommandOutlet records the call and returns CommandOK.
func (f *FakeTransport) CommandOutlet(outlet int, action string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, CommandCall{Outlet: outlet, Action: action})
	return f.CommandOK
}

// SetDeviceField records the write and returns SetFieldOK.
func (f *FakeTransport) SetDeviceField(field, value string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FieldsSet[field] = value
	return f.SetFieldOK
}

// UpdateTarget records the new target.
func (f *FakeTransport) UpdateTarget(host string, port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TargetHost = host
	if port != 0 {
		f.TargetPort = port
	}
	f.TargetUpdates++
}

// Close records that the transport was closed.
func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// LastCommand returns the most recent command call, if any.
func (f *FakeTransport) LastCommand() (CommandCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Commands) == 0 {
		return CommandCall{}, false
	}
	return f.Commands[len(f.Commands)-1], true
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errTimeout = fakeErr("snmp: request timeout")
