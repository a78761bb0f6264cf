package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blelink/internal/bledb"
	"github.com/srg/blelink/internal/native"
)

// txPowerUnknown is what go-ble reports when the advertisement carries no
// TX power level.
const txPowerUnknown = 127

func convertAdvertisement(a Advertisement) *native.Advertisement {
	adv := &native.Advertisement{
		DeviceID:    a.Addr().String(),
		Name:        a.LocalName(),
		RSSI:        a.RSSI(),
		Connectable: a.Connectable(),
		Services:    canonicalUUIDs(a.Services()),
	}
	if md := a.ManufacturerData(); len(md) > 0 {
		adv.ManufacturerData = append([]byte(nil), md...)
	}
	if tx := a.TxPowerLevel(); tx != txPowerUnknown {
		adv.TxPower = &tx
	}
	if sd := a.ServiceData(); len(sd) > 0 {
		adv.ServiceData = make(map[string][]byte, len(sd))
		for _, entry := range sd {
			if uuid, err := bledb.Canonical(entry.UUID.String()); err == nil {
				adv.ServiceData[uuid] = append([]byte(nil), entry.Data...)
			}
		}
	}
	return adv
}

func canonicalUUIDs(uuids []ble.UUID) []string {
	if len(uuids) == 0 {
		return nil
	}
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		if c, err := bledb.Canonical(u.String()); err == nil {
			out = append(out, c)
		}
	}
	return out
}

func canonical(u ble.UUID) string {
	c, err := bledb.Canonical(u.String())
	if err != nil {
		return u.String()
	}
	return c
}

func convertProperties(p ble.Property) native.Property {
	var out native.Property
	if p&ble.CharRead != 0 {
		out |= native.PropRead
	}
	if p&ble.CharWriteNR != 0 {
		out |= native.PropWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		out |= native.PropWrite
	}
	if p&ble.CharNotify != 0 {
		out |= native.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= native.PropIndicate
	}
	return out
}
