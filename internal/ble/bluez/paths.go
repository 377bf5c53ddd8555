package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/geeluba/ai-blending-control-demo/internal/ble"
)

func adapterObjectPath(adapter string) dbus.ObjectPath {
	if adapter == "" {
		adapter = "hci0"
	}
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// deviceObjectPath converts "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapterPath dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

// addressFromPath extracts the MAC address from a device object path or
// from any object below it. It returns "" for paths outside adapterPath.
func addressFromPath(adapterPath dbus.ObjectPath, path dbus.ObjectPath) string {
	prefix := string(adapterPath) + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	s = s[len(prefix):]
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return strings.ReplaceAll(s, "_", ":")
}

func parsePropertiesChanged(sig *dbus.Signal) (iface string, changed map[string]dbus.Variant, ok bool) {
	if sig == nil || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok = sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok = sig.Body[1].(map[string]dbus.Variant)
	return iface, changed, ok
}

func parseInterfacesAdded(sig *dbus.Signal) (dbus.ObjectPath, map[string]map[string]dbus.Variant, bool) {
	if sig == nil || len(sig.Body) < 2 {
		return "", nil, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return "", nil, false
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	return path, ifaces, ok
}

func variantBool(props map[string]dbus.Variant, key string) (bool, bool) {
	v, ok := props[key]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}

func variantString(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

// advertises reports whether a Device1 property set lists uuid.
func advertises(props map[string]dbus.Variant, uuid string) bool {
	v, ok := props["UUIDs"]
	if !ok {
		return false
	}
	uuids, ok := v.Value().([]string)
	if !ok {
		return false
	}
	for _, u := range uuids {
		if strings.EqualFold(u, uuid) {
			return true
		}
	}
	return false
}

// observationFrom reads whatever of Address, Name and RSSI props carries.
// Alias stands in for a missing Name.
func observationFrom(props map[string]dbus.Variant) ble.Observation {
	o := ble.Observation{
		Address: variantString(props, "Address"),
		Name:    variantString(props, "Name"),
	}
	if o.Name == "" {
		o.Name = variantString(props, "Alias")
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			o.RSSI = rssi
		}
	}
	return o
}

// indexCharacteristics finds serviceUUID below devicePath and maps every
// characteristic of it by lower-case uuid.
func indexCharacteristics(objects managedObjects, devicePath dbus.ObjectPath, serviceUUID string) (map[string]dbus.ObjectPath, bool) {
	prefix := string(devicePath) + "/"
	var svc dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[gattServiceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if strings.EqualFold(variantString(props, "UUID"), serviceUUID) {
			svc = path
			break
		}
	}
	if svc == "" {
		return nil, false
	}

	chars := make(map[string]dbus.ObjectPath)
	for path, ifaces := range objects {
		props, ok := ifaces[gattCharIface]
		if !ok {
			continue
		}
		if p, ok := props["Service"]; ok {
			if owner, ok := p.Value().(dbus.ObjectPath); !ok || owner != svc {
				continue
			}
		} else if !strings.HasPrefix(string(path), string(svc)+"/") {
			continue
		}
		if uuid := variantString(props, "UUID"); uuid != "" {
			chars[strings.ToLower(uuid)] = path
		}
	}
	return chars, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
