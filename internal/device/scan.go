package device

import "context"

// Advertisement is one advertising report seen during a scan.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() string
}

// Scanner is implemented by each BLE backend. Scan blocks until ctx is done
// or the backend fails, calling handler for every report.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// HandleFromAdvertisement builds the Handle a scan result selects.
func HandleFromAdvertisement(adv Advertisement) Handle {
	h := NewHandle(adv.Addr(), adv.LocalName())
	h.RSSI = adv.RSSI()
	return h
}
