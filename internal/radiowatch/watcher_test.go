package radiowatch

import (
	"testing"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func hostEvent(action netlink.KObjAction, devpath string) netlink.UEvent {
	return netlink.UEvent{
		Action: action,
		Env: map[string]string{
			"SUBSYSTEM": "bluetooth",
			"DEVTYPE":   "host",
			"DEVPATH":   devpath,
		},
	}
}

func rfkillEvent(state, name string) netlink.UEvent {
	return netlink.UEvent{
		Action: netlink.CHANGE,
		Env: map[string]string{
			"SUBSYSTEM":    "rfkill",
			"RFKILL_TYPE":  "bluetooth",
			"RFKILL_STATE": state,
			"RFKILL_NAME":  name,
		},
	}
}

func TestRadioState(t *testing.T) {
	cases := []struct {
		name        string
		ev          netlink.UEvent
		wantAdapter string
		wantOn      bool
		wantOK      bool
	}{
		{"controller added", hostEvent(netlink.ADD, "/devices/pci0000:00/usb1/1-1/1-1:1.0/bluetooth/hci0"), "hci0", true, true},
		{"controller removed", hostEvent(netlink.REMOVE, "/devices/virtual/bluetooth/hci1"), "hci1", false, true},
		{"controller changed", hostEvent(netlink.CHANGE, "/devices/virtual/bluetooth/hci0"), "", false, false},
		{"rfkill unblocked", rfkillEvent("1", "hci0"), "hci0", true, true},
		{"rfkill soft blocked", rfkillEvent("0", "hci0"), "hci0", false, true},
		{"rfkill hard blocked", rfkillEvent("2", "hci0"), "hci0", false, true},
		{"rfkill unknown state", rfkillEvent("9", "hci0"), "", false, false},
		{"connection child", netlink.UEvent{
			Action: netlink.ADD,
			Env:    map[string]string{"SUBSYSTEM": "bluetooth", "DEVTYPE": "link", "DEVPATH": "/devices/virtual/bluetooth/hci0/hci0:11"},
		}, "", false, false},
		{"other subsystem", netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "block"}}, "", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter, on, ok := radioState(tc.ev)
			if adapter != tc.wantAdapter || on != tc.wantOn || ok != tc.wantOK {
				t.Fatalf("radioState = (%q, %v, %v), want (%q, %v, %v)",
					adapter, on, ok, tc.wantAdapter, tc.wantOn, tc.wantOK)
			}
		})
	}
}

func TestMatcher(t *testing.T) {
	m := matcher()
	if !m.Evaluate(hostEvent(netlink.ADD, "/devices/virtual/bluetooth/hci0")) {
		t.Fatal("controller add rejected")
	}
	if !m.Evaluate(hostEvent(netlink.REMOVE, "/devices/virtual/bluetooth/hci0")) {
		t.Fatal("controller remove rejected")
	}
	if !m.Evaluate(rfkillEvent("0", "hci0")) {
		t.Fatal("rfkill change rejected")
	}
	if m.Evaluate(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "block"}}) {
		t.Fatal("block device accepted")
	}
}

func TestHandleFiltersAdapter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	var got []bool
	w := New("hci0", func(on bool) { got = append(got, on) }, zap.New(core))

	w.handle(hostEvent(netlink.ADD, "/devices/virtual/bluetooth/hci1"))
	w.handle(rfkillEvent("0", "hci0"))
	w.handle(hostEvent(netlink.ADD, "/devices/virtual/bluetooth/hci0"))
	w.handle(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "block"}})

	if len(got) != 2 || got[0] || !got[1] {
		t.Fatalf("changes = %v, want [false true]", got)
	}
	if n := logs.FilterMessage("radiowatch: other adapter").Len(); n != 1 {
		t.Fatalf("other adapter logged %d times", n)
	}
}

func TestStopWithoutStart(t *testing.T) {
	w := New("", nil, zap.NewNop())
	w.Stop()
	w.Stop()
	if w.Running() {
		t.Fatal("running after stop")
	}
	w.handle(hostEvent(netlink.ADD, "/devices/virtual/bluetooth/hci0"))
}
