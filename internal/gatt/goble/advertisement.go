package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blepulse/internal/device"
)

// Advertisement adapts ble.Advertisement to device.Advertisement.
type Advertisement struct {
	adv ble.Advertisement
}

func NewAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &Advertisement{adv: adv}
}

func (a *Advertisement) LocalName() string        { return a.adv.LocalName() }
func (a *Advertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *Advertisement) TxPowerLevel() int        { return int(a.adv.TxPowerLevel()) }
func (a *Advertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *Advertisement) RSSI() int                { return a.adv.RSSI() }
func (a *Advertisement) Addr() string             { return a.adv.Addr().String() }

func (a *Advertisement) Services() []string {
	uuids := a.adv.Services()
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = device.NormalizeUUID(u.String())
	}
	return out
}
