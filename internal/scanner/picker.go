package scanner

import "github.com/srg/blelink/internal/device"

// Labels are the display strings shown by a Picker.
type Labels struct {
	Scanning         string `default:"Scanning..."`
	Cancel           string `default:"Cancel"`
	AvailableDevices string `default:"Available devices"`
	NoDeviceFound    string `default:"No device found"`
}

// Picker is the interactive device chooser driven by a picker-mode scan.
// Implementations must not call back into the scanner synchronously from
// Update or SetTitle.
type Picker interface {
	// Open shows the chooser. Exactly one of onSelect or onCancel is expected
	// to be called once the user decides.
	Open(title string, labels Labels, onSelect func(id string), onCancel func())
	// Update replaces the displayed list, in discovery order.
	Update(devices []device.Info)
	SetTitle(title string)
	Close()
}
