package poller

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sweeney/pdu-mqtt/internal/pdu"
)

// loadNames reads the device's outlet-name override file. Missing or
// unreadable files leave the overrides empty.
func (p *Poller) loadNames() {
	data, err := os.ReadFile(p.namesPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[%s] failed to load outlet names from %s: %v", p.deviceID, p.namesPath, err)
		}
		return
	}
	names := map[string]string{}
	if err := json.Unmarshal(data, &names); err != nil {
		log.Printf("[%s] malformed outlet names file %s: %v", p.deviceID, p.namesPath, err)
		return
	}
	p.names = names
	log.Printf("[%s] loaded %d outlet name overrides", p.deviceID, len(names))
}

// OutletNames returns a copy of the override map.
func (p *Poller) OutletNames() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.names))
	for k, v := range p.names {
		out[k] = v
	}
	return out
}

// SetOutletName sets or (with an empty name) removes one override and
// persists the map atomically.
func (p *Poller) SetOutletName(outlet int, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := strconv.Itoa(outlet)
	if name == "" {
		delete(p.names, key)
	} else {
		p.names[key] = name
	}
	return p.saveNamesLocked()
}

func (p *Poller) saveNamesLocked() error {
	data, err := json.MarshalIndent(p.names, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding outlet names: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.namesPath), 0o755); err != nil {
		return fmt.Errorf("creating names dir: %w", err)
	}
	tmp := p.namesPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.namesPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// applyNames overlays the custom outlet names onto a snapshot. Runs
// before fan-out so every subsystem sees the same names.
func (p *Poller) applyNames(snap *pdu.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.names) == 0 {
		return
	}
	for n, outlet := range snap.Outlets {
		if name, ok := p.names[strconv.Itoa(n)]; ok {
			outlet.Name = name
		}
	}
}
