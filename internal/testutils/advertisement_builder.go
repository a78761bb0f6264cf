package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blelink/internal/bledb"
	"github.com/srg/blelink/internal/native"
)

// AdvertisementBuilder builds native advertisements for discovery tests.
// UUIDs may be given in any form accepted by bledb.Canonical.
type AdvertisementBuilder struct {
	adv native.Advertisement
}

// NewAdvertisementBuilder creates a connectable advertisement with RSSI -50.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: native.Advertisement{RSSI: -50, Connectable: true}}
}

// CreateMockAdvertisement is a shorthand for the common id/name/rssi case.
func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

// CreateMockAdvertisementFromJSON builds an advertisement from a JSON template.
func CreateMockAdvertisementFromJSON(jsonStrFmt string, args ...any) *AdvertisementBuilder {
	return NewAdvertisementBuilder().FromJSON(jsonStrFmt, args...)
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.DeviceID = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSI = rssi
	return b
}

func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	for _, u := range uuids {
		b.adv.Services = append(b.adv.Services, bledb.MustCanonical(u))
	}
	return b
}

// WithManufacturerData sets the payload for companyID (encoded little-endian first).
func (b *AdvertisementBuilder) WithManufacturerData(companyID uint16, payload []byte) *AdvertisementBuilder {
	b.adv.ManufacturerData = append([]byte{byte(companyID), byte(companyID >> 8)}, payload...)
	return b
}

func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	if b.adv.ServiceData == nil {
		b.adv.ServiceData = make(map[string][]byte)
	}
	b.adv.ServiceData[bledb.MustCanonical(uuid)] = data
	return b
}

func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.TxPower = &power
	return b
}

func (b *AdvertisementBuilder) WithRaw(raw []byte) *AdvertisementBuilder {
	b.adv.Raw = raw
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.Connectable = c
	return b
}

// FromJSON fills builder fields from a JSON document. Panics on invalid JSON
// as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...any) *AdvertisementBuilder {
	var data struct {
		Name             *string           `json:"name"`
		Address          string            `json:"address"`
		RSSI             *int              `json:"rssi"`
		Services         []string          `json:"services"`
		CompanyID        *uint16           `json:"companyId"`
		ManufacturerData []byte            `json:"manufacturerData"`
		ServiceData      map[string][]byte `json:"serviceData"`
		TxPower          *int              `json:"txPower"`
		Connectable      *bool             `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: failed to unmarshal: %v", err))
	}

	b.WithAddress(data.Address)
	if data.Name != nil {
		b.WithName(*data.Name)
	}
	if data.RSSI != nil {
		b.WithRSSI(*data.RSSI)
	}
	b.WithServices(data.Services...)
	if data.CompanyID != nil {
		b.WithManufacturerData(*data.CompanyID, data.ManufacturerData)
	}
	for uuid, payload := range data.ServiceData {
		b.WithServiceData(uuid, payload)
	}
	if data.TxPower != nil {
		b.WithTxPower(*data.TxPower)
	}
	if data.Connectable != nil {
		b.WithConnectable(*data.Connectable)
	}
	return b
}

// Build returns a copy of the configured advertisement.
func (b *AdvertisementBuilder) Build() *native.Advertisement {
	adv := b.adv
	return &adv
}
