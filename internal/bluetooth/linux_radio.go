//go:build linux
// +build linux

package bluetooth

import (
	"fmt"
	"sync"

	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/api/service"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/advertising"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"

	"github.com/permissionlesstech/bitchat-mesh/internal/protocol"
)

// LinuxRadio implements Radio over BlueZ via muka/go-bluetooth,
// generalizing the teacher's LinuxBluetoothAdapter from a client-only
// (central) wrapper into the dual peripheral+central role spec.md's
// Connection Manager requires.
type LinuxRadio struct {
	adapter *adapter.Adapter1

	mu      sync.RWMutex
	devices map[string]*device.Device1

	app    *service.Application
	gattCh *service.Char

	cleanupAdvertisement func()

	onReceive      func(data []byte, fromAddress string)
	onConnected    func(address string)
	onDisconnected func(address string)

	stopDiscovery func()
}

func NewLinuxRadio() (*LinuxRadio, error) {
	a, err := api.GetDefaultAdapter()
	if err != nil {
		return nil, fmt.Errorf("bluetooth: get default adapter: %w", err)
	}
	powered, err := a.GetPowered()
	if err != nil {
		return nil, fmt.Errorf("bluetooth: query adapter power state: %w", err)
	}
	if !powered {
		if err := a.SetPowered(true); err != nil {
			return nil, fmt.Errorf("bluetooth: power on adapter: %w", err)
		}
	}
	return &LinuxRadio{adapter: a, devices: make(map[string]*device.Device1)}, nil
}

// Start registers the local GATT service (the peripheral role) and
// wires the receive/connection callbacks both roles share.
func (r *LinuxRadio) Start(onReceive func([]byte, string), onConnected, onDisconnected func(string)) error {
	r.onReceive, r.onConnected, r.onDisconnected = onReceive, onConnected, onDisconnected

	app, err := service.NewApplication(&service.ApplicationConfig{
		UUID:      protocol.ServiceUUID,
		ObjectName: "bitchat-mesh",
		Adapter:    r.adapter,
	})
	if err != nil {
		return fmt.Errorf("bluetooth: create gatt application: %w", err)
	}
	if err := app.Run(); err != nil {
		return fmt.Errorf("bluetooth: run gatt application: %w", err)
	}

	svc, err := app.CreateService(&service.ServiceDescription{
		UUID:    protocol.ServiceUUID,
		Primary: true,
	})
	if err != nil {
		return fmt.Errorf("bluetooth: create gatt service: %w", err)
	}
	if err := app.AddService(svc); err != nil {
		return fmt.Errorf("bluetooth: register gatt service: %w", err)
	}

	ch, err := svc.CreateChar(&service.CharDescription{
		UUID:       protocol.CharacteristicUUID,
		Properties: []string{"read", "write", "write-without-response", "notify"},
	})
	if err != nil {
		return fmt.Errorf("bluetooth: create gatt characteristic: %w", err)
	}
	// BlueZ's GATT write callback does not carry the writer's device
	// address; immediate-sender attribution falls back to the decoded
	// packet's own senderID (see ConnectionManager.onReceive).
	ch.OnWrite(func(c *service.Char, value []byte) ([]byte, error) {
		if r.onReceive != nil {
			r.onReceive(value, "")
		}
		return nil, nil
	})
	if err := svc.AddChar(ch); err != nil {
		return fmt.Errorf("bluetooth: register gatt characteristic: %w", err)
	}
	r.app = app
	r.gattCh = ch

	return nil
}

func (r *LinuxRadio) Stop() error {
	if r.app != nil {
		r.app.Close()
	}
	return nil
}

func (r *LinuxRadio) Advertise() error {
	adapterID, err := r.adapter.GetAdapterID()
	if err != nil {
		return fmt.Errorf("bluetooth: get adapter id: %w", err)
	}
	props := &advertising.LEAdvertisement1Properties{
		Type:         advertising.AdvertisementTypeBroadcast,
		ServiceUUIDs: []string{protocol.ServiceUUID},
	}
	cleanup, err := api.ExposeAdvertisement(adapterID, props, 0)
	if err != nil {
		return fmt.Errorf("bluetooth: expose advertisement: %w", err)
	}
	r.cleanupAdvertisement = cleanup
	return nil
}

func (r *LinuxRadio) StopAdvertising() error {
	if r.cleanupAdvertisement != nil {
		r.cleanupAdvertisement()
		r.cleanupAdvertisement = nil
	}
	return nil
}

// StartScanning filters discovery by the mesh service UUID, matching
// the rate-limit/coalesce contract spec.md §4.1 assigns to the
// Connection Manager above this layer.
func (r *LinuxRadio) StartScanning(onDiscovered func(address string, rssi int)) error {
	filter := adapter.NewDiscoveryFilter()
	filter.Transport = "le"
	filter.UUIDs = []string{protocol.ServiceUUID}
	if err := r.adapter.SetDiscoveryFilter(filter.ToMap()); err != nil {
		return fmt.Errorf("bluetooth: set discovery filter: %w", err)
	}

	discovery, cancel, err := api.Discover(r.adapter, nil)
	if err != nil {
		return fmt.Errorf("bluetooth: start discovery: %w", err)
	}
	r.stopDiscovery = cancel

	go func() {
		for ev := range discovery {
			if ev.Type != adapter.DeviceAdded {
				continue
			}
			dev, err := device.NewDevice1(ev.Path)
			if err != nil {
				continue
			}
			uuids, err := dev.GetUUIDs()
			if err != nil || !hasUUID(uuids, protocol.ServiceUUID) {
				continue
			}
			rssi, _ := dev.GetRSSI()

			r.mu.Lock()
			r.devices[string(ev.Path)] = dev
			r.mu.Unlock()

			addr, err := dev.GetAddress()
			if err != nil {
				continue
			}
			if onDiscovered != nil {
				onDiscovered(addr, int(rssi))
			}
		}
	}()

	return nil
}

func (r *LinuxRadio) StopScanning() error {
	if r.stopDiscovery != nil {
		r.stopDiscovery()
		r.stopDiscovery = nil
	}
	return r.adapter.StopDiscovery()
}

func (r *LinuxRadio) Connect(address string) error {
	dev := r.deviceByAddress(address)
	if dev == nil {
		return fmt.Errorf("bluetooth: unknown device %s", address)
	}
	if err := dev.Connect(); err != nil {
		return fmt.Errorf("bluetooth: connect %s: %w", address, err)
	}
	if err := r.bringUp(dev); err != nil {
		return err
	}
	if r.onConnected != nil {
		r.onConnected(address)
	}
	return nil
}

// bringUp performs the mandatory post-connect sequence: MTU request,
// service discovery, then enabling notifications on the mesh
// characteristic — data written before this completes may silently
// truncate.
func (r *LinuxRadio) bringUp(dev *device.Device1) error {
	_ = dev.SetProperty("MTU", uint16(protocol.RequestedMTU))
	chars, err := dev.GetCharsList()
	if err != nil {
		return fmt.Errorf("bluetooth: discover characteristics: %w", err)
	}
	for _, charPath := range chars {
		ch, err := gatt.NewGattCharacteristic1(charPath)
		if err != nil {
			continue
		}
		uuid, err := ch.GetUUID()
		if err != nil || uuid != protocol.CharacteristicUUID {
			continue
		}
		if err := ch.StartNotify(); err != nil {
			return fmt.Errorf("bluetooth: enable notifications: %w", err)
		}
	}
	return nil
}

func (r *LinuxRadio) Disconnect(address string) error {
	dev := r.deviceByAddress(address)
	if dev == nil {
		return nil
	}
	err := dev.Disconnect()
	if r.onDisconnected != nil {
		r.onDisconnected(address)
	}
	return err
}

func (r *LinuxRadio) Write(address string, data []byte) error {
	dev := r.deviceByAddress(address)
	if dev == nil {
		return fmt.Errorf("bluetooth: unknown device %s", address)
	}
	chars, err := dev.GetCharsList()
	if err != nil {
		return fmt.Errorf("bluetooth: discover characteristics: %w", err)
	}
	for _, charPath := range chars {
		ch, err := gatt.NewGattCharacteristic1(charPath)
		if err != nil {
			continue
		}
		uuid, err := ch.GetUUID()
		if err != nil || uuid != protocol.CharacteristicUUID {
			continue
		}
		return ch.WriteValue(data, nil)
	}
	return fmt.Errorf("bluetooth: mesh characteristic not found on %s", address)
}

func (r *LinuxRadio) deviceByAddress(address string) *device.Device1 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dev := range r.devices {
		if addr, err := dev.GetAddress(); err == nil && addr == address {
			return dev
		}
	}
	return nil
}

func hasUUID(uuids []string, target string) bool {
	for _, u := range uuids {
		if u == target {
			return true
		}
	}
	return false
}
