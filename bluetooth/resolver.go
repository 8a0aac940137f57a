package bluetooth

import "strings"

// AddressLookup resolves a device directly by address.
type AddressLookup interface {
	RemoteDevice(address string) (Peripheral, error)
}

// ResolveTarget picks the pager from the known peripherals. An explicit
// address wins over a name; the lookup is tried before the known list.
func ResolveTarget(id TargetIdentity, lookup AddressLookup, known []Peripheral) (Peripheral, error) {
	address := strings.TrimSpace(id.PreferredAddress)
	if address != "" {
		if lookup != nil {
			if p, err := lookup.RemoteDevice(address); err == nil {
				return p, nil
			}
		}
		for _, p := range known {
			if strings.EqualFold(p.Address, address) {
				return p, nil
			}
		}
	}

	if id.PreferredName != "" {
		for _, p := range known {
			if p.Name == id.PreferredName {
				return p, nil
			}
		}
	}

	return Peripheral{}, ErrTargetNotFound
}
