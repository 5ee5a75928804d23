package transport

import (
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one serial port visible to the OS.
type PortInfo struct {
	Name      string
	VendorID  uint16
	ProductID uint16
	Serial    string
	Product   string
}

// Enumerator lists candidate ports. Enumerate is the production one.
type Enumerator func() ([]PortInfo, error)

// Enumerate lists USB serial ports with their vendor and product ids.
// Ports without USB identifiers are skipped.
func Enumerate() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil || !d.IsUSB {
			continue
		}
		vid, err1 := parseUSBID(d.VID)
		pid, err2 := parseUSBID(d.PID)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, PortInfo{
			Name:      d.Name,
			VendorID:  vid,
			ProductID: pid,
			Serial:    d.SerialNumber,
			Product:   d.Product,
		})
	}
	return out, nil
}

// parseUSBID parses the hex id strings reported by the enumerator
// ("0683", "0x0683").
func parseUSBID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
