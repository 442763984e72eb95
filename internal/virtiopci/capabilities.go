package virtiopci

import "encoding/binary"

// Virtio PCI capability cfg_type values (virtio 1.0 §4.1.4).
const (
	capTypeCommon = 1
	capTypeNotify = 2
	capTypeISR    = 3
	capTypeDevice = 4
)

// registerCapabilities appends the four vendor-specific capabilities
// describing this transport's BAR windows to its configuration space, in
// common/notify/ISR/device order — the order the teacher's transport uses
// and the order a guest driver expects to walk the list in.
func (t *Transport) registerCapabilities() error {
	bar := uint8(t.barLowIndex)

	if _, err := t.space.AddCapability(capBody(capTypeCommon, bar, commonCfgWindowOffset, commonCfgWindowLength)); err != nil {
		return err
	}

	notifyBody := capBody(capTypeNotify, bar, notifyWindowOffset, notifyWindowLength)
	notifyBody = append(notifyBody, make([]byte, 4)...)
	binary.LittleEndian.PutUint32(notifyBody[16:], notifyOffMultiplier)
	if _, err := t.space.AddCapability(notifyBody); err != nil {
		return err
	}

	if _, err := t.space.AddCapability(capBody(capTypeISR, bar, isrWindowOffset, isrWindowLength)); err != nil {
		return err
	}

	deviceLength := uint32(deviceCfgWindowLength)
	if size := t.device.ConfigSize(); size > 0 && uint32(size) < deviceLength {
		deviceLength = uint32(size)
	}
	if _, err := t.space.AddCapability(capBody(capTypeDevice, bar, deviceCfgWindowOffset, deviceLength)); err != nil {
		return err
	}

	return nil
}

// capBody builds the fixed 16-byte virtio PCI capability body: the first
// two bytes (cap_id, next) are placeholders pcicfg.Space.AddCapability
// overwrites itself as it links the capability list.
func capBody(cfgType uint8, bar uint8, offset, length uint32) []byte {
	buf := make([]byte, 16)
	buf[2] = 16 // cap_len
	buf[3] = cfgType
	buf[4] = bar
	binary.LittleEndian.PutUint32(buf[8:12], offset)
	binary.LittleEndian.PutUint32(buf[12:16], length)
	return buf
}
